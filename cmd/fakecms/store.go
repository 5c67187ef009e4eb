package main

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// document is one CMS entry. Attributes are free-form and returned as is.
type document map[string]any

// store is an in-memory set of collections keyed by id.
type store struct {
	mu          sync.RWMutex
	collections map[string]map[int]document
	nextID      int
	now         func() time.Time
}

func newStore() *store {
	return &store{collections: make(map[string]map[int]document), nextID: 1, now: time.Now}
}

// seededStore holds a few pages and articles so the edge has something to
// serve out of the box.
func seededStore() *store {
	s := newStore()
	s.create("pages", document{"slug": "home", "title": "Home"})
	s.create("pages", document{"slug": "about", "title": "About us"})
	for i := 1; i <= 3; i++ {
		s.create("articles", document{"slug": "article-" + strconv.Itoa(i), "title": "Article " + strconv.Itoa(i)})
	}
	s.create("navigation", document{"slug": "main", "items": []string{"/", "/about", "/articles"}})
	return s
}

func (s *store) list(collection string) []document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := s.collections[collection]
	ids := make([]int, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]document, 0, len(ids))
	for _, id := range ids {
		out = append(out, docs[id])
	}
	return out
}

// find looks an entry up by numeric id or by slug.
func (s *store) find(collection, ref string) (document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(collection, ref)
}

func (s *store) findLocked(collection, ref string) (document, bool) {
	docs := s.collections[collection]
	if id, err := strconv.Atoi(ref); err == nil {
		d, ok := docs[id]
		return d, ok
	}
	for _, d := range docs {
		if d["slug"] == ref {
			return d, true
		}
	}
	return nil, false
}

func (s *store) create(collection string, attrs document) document {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[int]document)
		s.collections[collection] = docs
	}
	now := s.now().UTC().Format(time.RFC3339)
	d := document{}
	for k, v := range attrs {
		d[k] = v
	}
	d["id"] = s.nextID
	d["createdAt"] = now
	d["updatedAt"] = now
	docs[s.nextID] = d
	s.nextID++
	return d
}

func (s *store) update(collection, ref string, attrs document) (document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.findLocked(collection, ref)
	if !ok {
		return nil, false
	}
	id := existing["id"].(int)
	d := document{}
	for k, v := range existing {
		d[k] = v
	}
	for k, v := range attrs {
		if k == "id" || k == "createdAt" {
			continue
		}
		d[k] = v
	}
	d["updatedAt"] = s.now().UTC().Format(time.RFC3339)
	s.collections[collection][id] = d
	return d, true
}

func (s *store) delete(collection, ref string) (document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.findLocked(collection, ref)
	if !ok {
		return nil, false
	}
	delete(s.collections[collection], existing["id"].(int))
	return existing, true
}
