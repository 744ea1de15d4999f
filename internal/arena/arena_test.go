package arena

import "testing"

func TestMapAndFind(t *testing.T) {
	a := New()
	r1 := a.Map(make([]byte, 100), "one")
	r2 := a.Map(make([]byte, 100), "two")

	if r2.Base <= r1.Base {
		t.Fatalf("bases not monotonic: 0x%x then 0x%x", r1.Base, r2.Base)
	}
	if r2.Base < r1.Base+r1.Size {
		t.Fatal("regions overlap")
	}

	got, err := a.Find(r1.Base + 50)
	if err != nil {
		t.Fatal(err)
	}
	if got.Owner != "one" {
		t.Errorf("owner = %q, want one", got.Owner)
	}

	if _, err := a.Find(r1.Base + 100); err == nil {
		t.Error("address past region end resolved")
	}
	if _, err := a.Find(0x10); err == nil {
		t.Error("unmapped low address resolved")
	}
}

func TestSliceWritesThrough(t *testing.T) {
	a := New()
	buf := make([]byte, 16)
	r := a.Map(buf, "buf")

	s, err := a.Slice(r.Base+4, 4)
	if err != nil {
		t.Fatal(err)
	}
	s[0] = 0xAB
	if buf[4] != 0xAB {
		t.Error("slice does not alias the mapped buffer")
	}

	if _, err := a.Slice(r.Base+14, 4); err == nil {
		t.Error("slice crossing region end succeeded")
	}
}

func TestZeroSizeBuffer(t *testing.T) {
	a := New()
	r := a.Map(nil, "empty")
	if r.Size == 0 {
		t.Error("zero-size region breaks reverse lookup ordering")
	}
}
