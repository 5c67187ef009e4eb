package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newTokenCmd signs an HS256 bearer token that the edge's auth middleware
// accepts, for calling write routes and the CMS webhook by hand.
func newTokenCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for edge write routes and webhooks",
		Long: `Sign an HS256 JWT with the edge's auth settings.

Example:
  CMSCTL_JWT_SECRET=... cmsctl token --issuer cms --audience edge`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := signToken(tokenParams{
				Secret:   v.GetString("jwt-secret"),
				Issuer:   v.GetString("issuer"),
				Audience: v.GetString("audience"),
				Subject:  v.GetString("subject"),
				Scopes:   v.GetStringSlice("scopes"),
				TTL:      v.GetDuration("ttl"),
			}, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().String("jwt-secret", "", "HMAC secret shared with the edge (auth.jwt_secret)")
	cmd.Flags().String("issuer", "", "Token issuer (auth.issuer)")
	cmd.Flags().String("audience", "", "Token audience (auth.audience)")
	cmd.Flags().String("subject", "cmsctl", "Token subject")
	cmd.Flags().StringSlice("scopes", nil, "Scopes to grant")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		panic(fmt.Sprintf("binding token flags: %v", err))
	}
	return cmd
}

type tokenParams struct {
	Secret   string
	Issuer   string
	Audience string
	Subject  string
	Scopes   []string
	TTL      time.Duration
}

func signToken(p tokenParams, now time.Time) (string, error) {
	if p.Secret == "" {
		return "", errors.New("a JWT secret is required (--jwt-secret or CMSCTL_JWT_SECRET)")
	}
	if p.TTL <= 0 {
		return "", errors.New("ttl must be positive")
	}
	claims := jwt.MapClaims{
		"sub": p.Subject,
		"iat": now.Unix(),
		"exp": now.Add(p.TTL).Unix(),
	}
	if p.Issuer != "" {
		claims["iss"] = p.Issuer
	}
	if p.Audience != "" {
		claims["aud"] = p.Audience
	}
	if len(p.Scopes) > 0 {
		claims["scope"] = strings.Join(p.Scopes, " ")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(p.Secret))
}
