package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"persistentfs/internal/storage"
)

// maxPathDepth bounds the parent walk of a damaged store.
const maxPathDepth = 4096

// pathOf joins the names from the root of id down to id. Root records are
// named by their url.
func pathOf(ctx context.Context, s *storage.Store, id int32) (string, error) {
	var parts []string
	for depth := 0; id != storage.NullID; depth++ {
		if depth == maxPathDepth {
			return "", fmt.Errorf("record %d: parent chain too deep", id)
		}
		name, err := s.Name(ctx, id)
		if err != nil {
			return "", err
		}
		parts = append(parts, name)
		if id, err = s.Parent(id); err != nil {
			return "", err
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	if len(parts) <= 1 {
		return strings.Join(parts, ""), nil
	}
	return strings.TrimSuffix(parts[0], "/") + "/" + strings.Join(parts[1:], "/"), nil
}

// resolveRecord accepts a record id, a root url, or a root url followed by
// child names ("file:///src/main.go" under root "file:///src").
func resolveRecord(ctx context.Context, s *storage.Store, arg string) (int32, error) {
	if id, err := strconv.ParseInt(arg, 10, 32); err == nil {
		return int32(id), nil
	}
	roots, err := s.ListRoots(ctx)
	if err != nil {
		return storage.NullID, err
	}
	var (
		best    storage.Root
		matched bool
	)
	for _, r := range roots {
		url := strings.TrimSuffix(r.URL, "/")
		if arg == r.URL || arg == url || strings.HasPrefix(arg, url+"/") {
			if !matched || len(r.URL) > len(best.URL) {
				best, matched = r, true
			}
		}
	}
	if !matched {
		return storage.NullID, fmt.Errorf("no root for %q", arg)
	}

	id := best.ID
	rest := strings.TrimPrefix(strings.TrimPrefix(arg, strings.TrimSuffix(best.URL, "/")), "/")
	for _, name := range strings.Split(rest, "/") {
		if name == "" {
			continue
		}
		child, ok, err := s.FindChildByName(ctx, id, name)
		if err != nil {
			return storage.NullID, err
		}
		if !ok {
			return storage.NullID, fmt.Errorf("%q not found below record %d", name, id)
		}
		id = child
	}
	return id, nil
}
