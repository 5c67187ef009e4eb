// Package main is cmsctl, the operator CLI of the CMS edge. It fetches
// content through a local API client, inspects a running edge through its
// admin API, and probes upstream reachability.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
