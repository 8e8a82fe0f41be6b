package immix

import "fmt"

// ---------------------------------------------------------------------------
// Deep copy between heaps
// ---------------------------------------------------------------------------

// CopyGraph copies the object graph reachable from v out of src into dst
// and returns the value referring to the copy. Integers, immediates and
// permanent objects are shared rather than copied; cycles are preserved.
// triggeredGC reports whether any allocation in dst mapped a fresh block.
// Once the whole graph is copied, Class.Moved runs on every source object
// whose class defines it.
func CopyGraph(src *Heap, v Value, dst *Heap) (copied Value, triggeredGC bool, err error) {
	if !v.IsRef() || v.Address().Heap == PermanentHeapID {
		return v, false, nil
	}

	root, err := src.Resolve(v)
	if err != nil {
		return Nil, false, fmt.Errorf("copy from heap %d: %w", src.id, err)
	}

	copies := make(map[*Object]*Object)
	var pending []*Object

	clone := func(o *Object) (*Object, error) {
		if c, ok := copies[o]; ok {
			return c, nil
		}
		c, triggered, err := dst.Allocate(o.class, len(o.fields), int(o.payload))
		if err != nil {
			return nil, err
		}
		triggeredGC = triggeredGC || triggered
		if o.payload > 0 {
			copy(c.Payload(), o.Payload())
		}
		copies[o] = c
		pending = append(pending, o)
		return c, nil
	}

	rootCopy, err := clone(root)
	if err != nil {
		return Nil, triggeredGC, err
	}

	for len(pending) > 0 {
		o := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		c := copies[o]

		for i, f := range o.fields {
			if !f.IsRef() || f.Address().Heap == PermanentHeapID {
				c.fields[i] = f
				continue
			}
			child, err := src.Resolve(f)
			if err != nil {
				return Nil, triggeredGC, fmt.Errorf("copy field %d of %s: %w", i, o, err)
			}
			cc, err := clone(child)
			if err != nil {
				return Nil, triggeredGC, err
			}
			c.fields[i] = cc.Value()
		}
	}

	for o := range copies {
		if o.class != nil && o.class.Moved != nil {
			if err := o.class.Moved(src, o); err != nil {
				return Nil, triggeredGC, fmt.Errorf("move %s: %w", o, err)
			}
		}
	}
	return rootCopy.Value(), triggeredGC, nil
}
