package math

import "testing"

func TestAlignUpIdempotent(t *testing.T) {
	for p := uint64(0); p <= 512; p++ {
		a := AlignUp(p, 32)
		if a%32 != 0 {
			t.Fatalf("AlignUp(%d, 32) = %d, not a multiple of 32", p, a)
		}
		if a < p || a-p >= 32 {
			t.Fatalf("AlignUp(%d, 32) = %d, not the next multiple", p, a)
		}
		if again := AlignUp(a, 32); again != a {
			t.Fatalf("AlignUp not idempotent: AlignUp(%d) = %d, AlignUp(%d) = %d", p, a, a, again)
		}
	}
}

func TestAlignUpZeroAlignment(t *testing.T) {
	if got := AlignUp[uint32](17, 0); got != 17 {
		t.Errorf("AlignUp(17, 0) = %d, want 17", got)
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(5, 0, 3); got != 3 {
		t.Errorf("Clamp(5, 0, 3) = %d", got)
	}
	if got := Clamp(-1.5, 0.0, 1.0); got != 0 {
		t.Errorf("Clamp(-1.5, 0, 1) = %v", got)
	}
}

func TestRowMajor3x4IsTransposeOfTranslation(t *testing.T) {
	mt := NewMat4Translation(NewVec3(-2, 3, 4))
	rm := mt.RowMajor3x4()
	want := [3][4]float32{
		{1, 0, 0, -2},
		{0, 1, 0, 3},
		{0, 0, 1, 4},
	}
	if rm.Rows != want {
		t.Fatalf("RowMajor3x4() = %v, want %v", rm.Rows, want)
	}
	if back := rm.Mat4(); back != mt {
		t.Fatalf("Mat4() round trip = %v, want %v", back.Data, mt.Data)
	}
}

func TestMulAppliesLeftOperandFirst(t *testing.T) {
	rot := NewMat4EulerY(K_PI / 2)
	trans := NewMat4Translation(NewVec3(2, 0, 0))
	p := NewVec3(1, 0, 0).Transform(rot.Mul(trans))
	// Rotate (1,0,0) a quarter turn around Y, then translate by +2 on X.
	want := NewVec3(2, 0, -1)
	if !p.Compare(want, 1e-5) {
		t.Fatalf("transformed point = %+v, want %+v", p, want)
	}
}

func TestTransposedTwiceIsIdentity(t *testing.T) {
	mt := NewMat4EulerX(0.3).Mul(NewMat4Translation(NewVec3(1, 2, 3)))
	if got := NewMat4Transposed(NewMat4Transposed(mt)); got != mt {
		t.Fatalf("double transpose changed matrix: %v", got.Data)
	}
}

func TestInverseUndoesTransform(t *testing.T) {
	mt := NewMat4EulerXYZ(0.2, 0.7, -0.4).Mul(NewMat4Translation(NewVec3(1, -2, 5)))
	p := NewVec3(0.5, 3, -1)
	back := p.Transform(mt).Transform(mt.Inverse())
	if !back.Compare(p, 1e-4) {
		t.Fatalf("inverse round trip = %+v, want %+v", back, p)
	}

	id := mt.Mul(mt.Inverse())
	for i, v := range NewMat4Identity().Data {
		if kabs(id.Data[i]-v) > 1e-4 {
			t.Fatalf("M * M^-1 element %d = %v", i, id.Data[i])
		}
	}
}

func TestForwardOfIdentity(t *testing.T) {
	if f := NewMat4Identity().Forward(); !f.Compare(NewVec3(0, 0, -1), 1e-6) {
		t.Fatalf("Forward() = %+v", f)
	}
}

func TestInverseOfSingularIsZero(t *testing.T) {
	// Flattened Y axis.
	m := NewMat4Identity()
	m.Data[5] = 0
	if inv := m.Inverse(); inv != (Mat4{}) {
		t.Fatalf("singular inverse = %v", inv.Data)
	}
}
