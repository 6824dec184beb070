// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

// Labels name resources and pipelines. Each label type is its own key space,
// so a BufferLabel and an ImageLabel with the same text never collide.
type (
	BufferLabel      string
	ImageLabel       string
	SurfaceLabel     string
	AccelStructLabel string
	PipelineLabel    string
)

// labelMap associates at most one handle with each label.
type labelMap[L ~string, H comparable] struct {
	m map[L]H
}

func newLabelMap[L ~string, H comparable]() labelMap[L, H] {
	return labelMap[L, H]{m: make(map[L]H)}
}

func (lm labelMap[L, H]) get(l L) (H, bool) {
	h, ok := lm.m[l]
	return h, ok
}

// set binds l to h and returns the handle it replaced, if any.
func (lm labelMap[L, H]) set(l L, h H) (prev H, replaced bool) {
	prev, replaced = lm.m[l]
	lm.m[l] = h
	return prev, replaced
}

func (lm labelMap[L, H]) unset(l L) (H, bool) {
	h, ok := lm.m[l]
	delete(lm.m, l)
	return h, ok
}

// forget removes every label bound to h.
func (lm labelMap[L, H]) forget(h H) {
	for l, bound := range lm.m {
		if bound == h {
			delete(lm.m, l)
		}
	}
}

func (lm labelMap[L, H]) len() int { return len(lm.m) }
