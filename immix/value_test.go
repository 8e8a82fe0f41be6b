package immix

import "testing"

func TestValueSmallInt(t *testing.T) {
	cases := []int64{0, 1, -1, 42, -1000, MaxSmallInt, MinSmallInt}
	for _, n := range cases {
		v := FromInt(n)
		if !v.IsInt() || v.IsRef() {
			t.Errorf("FromInt(%d) has wrong tag: %#x", n, uint64(v))
		}
		if got := v.Int(); got != n {
			t.Errorf("FromInt(%d).Int() = %d", n, got)
		}
	}
}

func TestValueImmediates(t *testing.T) {
	if Nil.Truthy() || False.Truthy() {
		t.Error("nil and false must be falsy")
	}
	if !True.Truthy() || !FromInt(0).Truthy() {
		t.Error("true and 0 must be truthy")
	}
	if FromBool(true) != True || FromBool(false) != False {
		t.Error("FromBool mismatch")
	}
	for _, v := range []Value{Nil, True, False} {
		if v.IsInt() || v.IsRef() {
			t.Errorf("%s decodes as int or ref", v)
		}
	}
}

func TestAddressRoundTrip(t *testing.T) {
	cases := []Address{
		{Heap: 0, Block: 1, Offset: 0},
		{Heap: 7, Block: 12, Offset: 128},
		{Heap: MaxHeapID, Block: 1<<32 - 1, Offset: BlockSize - objectAlign},
	}
	for _, a := range cases {
		v := a.Value()
		if !v.IsRef() {
			t.Fatalf("%s is not a reference", a)
		}
		if got := v.Address(); got != a {
			t.Errorf("round trip of %s gave %s", a, got)
		}
	}
}
