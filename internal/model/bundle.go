package model

import (
	"encoding/hex"
	"maps"
	"slices"

	"github.com/zeebo/blake3"
)

// MainModule is the module every runnable bundle must provide. Its main
// function is the worker entry point.
const MainModule = "main"

// JobDoc is a job document as stored for a node:
//
//	{
//	  "type": "<node id>",
//	  "name": "name of the code",
//	  "modules": {"helper": "<source>"},        // local to this bundle
//	  "global_modules": {"shared": "<source>"}, // exported to every bundle of the node
//	  "code": "<source>"                        // becomes module main
//	}
//
// All fields but type are optional. A document with global_modules only
// contributes code to the other bundles and never runs on its own.
type JobDoc struct {
	ID            string            `json:"_id"`
	Rev           string            `json:"_rev,omitempty"`
	Type          string            `json:"type"`
	Name          string            `json:"name,omitempty"`
	Modules       map[string]string `json:"modules,omitempty"`
	GlobalModules map[string]string `json:"global_modules,omitempty"`
	Code          *string           `json:"code,omitempty"`
}

// Bundle is an immutable snapshot of the code one worker runs.
type Bundle struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Modules map[string]string `json:"modules"`
}

// Actionable reports whether the bundle has an entry module.
func (b Bundle) Actionable() bool {
	_, ok := b.Modules[MainModule]
	return ok
}

// Digest is a blake3 fingerprint over module names and sources. It identifies
// the code a worker runs in logs and heartbeats, it does not authenticate it.
func (b Bundle) Digest() string {
	h := blake3.New()
	for _, name := range slices.Sorted(maps.Keys(b.Modules)) {
		_, _ = h.Write([]byte(name))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(b.Modules[name]))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Bundles merges job documents into the runnable set. A document's code is
// assigned as module main, global modules of all documents are added to every
// bundle without overriding the bundle's own modules, and bundles without a
// main module after the merge are dropped. Bundles are keyed by name (or id
// when unnamed), a later document wins on a name clash. The result is sorted
// by name.
func Bundles(docs []JobDoc) []Bundle {
	global := make(map[string]string)
	for _, d := range docs {
		maps.Copy(global, d.GlobalModules)
	}

	byName := make(map[string]Bundle, len(docs))
	for _, d := range docs {
		modules := maps.Clone(d.Modules)
		if modules == nil {
			modules = make(map[string]string)
		}
		if d.Code != nil {
			modules[MainModule] = *d.Code
		}
		for name, src := range global {
			if _, ok := modules[name]; !ok {
				modules[name] = src
			}
		}

		name := d.Name
		if name == "" {
			name = d.ID
		}
		b := Bundle{ID: d.ID, Name: name, Modules: modules}
		if !b.Actionable() {
			continue
		}
		byName[name] = b
	}

	out := make([]Bundle, 0, len(byName))
	for _, name := range slices.Sorted(maps.Keys(byName)) {
		out = append(out, byName[name])
	}
	return out
}
