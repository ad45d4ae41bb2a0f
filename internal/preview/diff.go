package preview

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
)

// OpKind names a frame operation.
type OpKind string

const (
	OpReplace OpKind = "replace"
	OpInsert  OpKind = "insert"
	OpRemove  OpKind = "remove"
)

// Op is one step turning the viewer's frames into the new ones. Ops apply in
// order and Index refers to the frame list as left by the previous op.
type Op struct {
	Kind  OpKind `json:"op"`
	Index int    `json:"index"`
	Frame *Frame `json:"frame,omitempty"`
}

// Diff returns the operations turning frames with hashes known into next.
// Frames are aligned by hash so a page inserted or removed in the middle
// costs one op. Unchanged frames produce nothing.
func Diff(next []Frame, known []string) []Op {
	hashes := make([]string, len(next))
	for i, f := range next {
		hashes[i] = f.Hash
	}
	m := difflib.NewMatcherWithJunk(known, hashes, false, nil)

	var ops []Op
	frame := func(j int) *Frame {
		f := next[j]
		return &f
	}
	for _, c := range m.GetOpCodes() {
		oldN, newN := c.I2-c.I1, c.J2-c.J1
		switch c.Tag {
		case 'r':
			common := min(oldN, newN)
			for k := 0; k < common; k++ {
				ops = append(ops, Op{Kind: OpReplace, Index: c.J1 + k, Frame: frame(c.J1 + k)})
			}
			for k := common; k < newN; k++ {
				ops = append(ops, Op{Kind: OpInsert, Index: c.J1 + k, Frame: frame(c.J1 + k)})
			}
			for k := common; k < oldN; k++ {
				ops = append(ops, Op{Kind: OpRemove, Index: c.J1 + common})
			}
		case 'd':
			for k := 0; k < oldN; k++ {
				ops = append(ops, Op{Kind: OpRemove, Index: c.J1})
			}
		case 'i':
			for k := 0; k < newN; k++ {
				ops = append(ops, Op{Kind: OpInsert, Index: c.J1 + k, Frame: frame(c.J1 + k)})
			}
		}
	}
	return ops
}

// Apply runs ops against frames and returns the result. frames is not
// modified.
func Apply(frames []Frame, ops []Op) ([]Frame, error) {
	out := append([]Frame(nil), frames...)
	for i, op := range ops {
		switch op.Kind {
		case OpReplace:
			if op.Index < 0 || op.Index >= len(out) || op.Frame == nil {
				return nil, fmt.Errorf("preview: op %d: replace at %d of %d frames", i, op.Index, len(out))
			}
			out[op.Index] = *op.Frame
		case OpInsert:
			if op.Index < 0 || op.Index > len(out) || op.Frame == nil {
				return nil, fmt.Errorf("preview: op %d: insert at %d of %d frames", i, op.Index, len(out))
			}
			out = append(out, Frame{})
			copy(out[op.Index+1:], out[op.Index:])
			out[op.Index] = *op.Frame
		case OpRemove:
			if op.Index < 0 || op.Index >= len(out) {
				return nil, fmt.Errorf("preview: op %d: remove at %d of %d frames", i, op.Index, len(out))
			}
			out = append(out[:op.Index], out[op.Index+1:]...)
		default:
			return nil, fmt.Errorf("preview: op %d: unknown kind %q", i, op.Kind)
		}
	}
	return out, nil
}
