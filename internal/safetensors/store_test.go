package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"
	"testing"
)

type tensorMeta struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

func buildSafetensors(t *testing.T, tensors map[string]struct {
	dtype string
	shape []int64
	data  []byte
}) []byte {
	t.Helper()

	header := make(map[string]any)

	var rawData []byte

	for name, info := range tensors {
		start := len(rawData)
		rawData = append(rawData, info.data...)
		header[name] = tensorMeta{
			DType:   info.dtype,
			Shape:   info.shape,
			Offsets: [2]int{start, start + len(info.data)},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	buf := make([]byte, 8, 8+len(headerJSON)+len(rawData))
	binary.LittleEndian.PutUint64(buf, uint64(len(headerJSON)))
	buf = append(buf, headerJSON...)
	buf = append(buf, rawData...)

	return buf
}

func float32Bytes(vals []float32) []byte {
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	return buf
}

func TestStore_TensorByName_F32(t *testing.T) {
	blob := buildSafetensors(t, map[string]struct {
		dtype string
		shape []int64
		data  []byte
	}{
		"alpha": {dtype: "F32", shape: []int64{2}, data: float32Bytes([]float32{1, 2})},
		"beta":  {dtype: "F32", shape: []int64{1, 3}, data: float32Bytes([]float32{3, 4, 5})},
	})

	store, err := OpenStoreFromBytes(blob)
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}
	defer store.Close()

	names := store.Names()
	if strings.Join(names, "|") != "alpha|beta" {
		t.Fatalf("Names() = %v; want [alpha beta]", names)
	}

	tensor, err := store.Tensor("beta")
	if err != nil {
		t.Fatalf("Tensor(beta): %v", err)
	}

	if len(tensor.Shape) != 2 || tensor.Shape[0] != 1 || tensor.Shape[1] != 3 {
		t.Fatalf("beta shape = %v; want [1 3]", tensor.Shape)
	}

	if len(tensor.Data) != 3 || tensor.Data[0] != 3 || tensor.Data[2] != 5 {
		t.Fatalf("beta data = %v; want [3 4 5]", tensor.Data)
	}
}

func TestStore_DTypeConversion_F16AndBF16(t *testing.T) {
	f16Data := float16Bytes([]uint16{0x3c00, 0xc000, 0x3800}) // 1.0, -2.0, 0.5
	bf16Data := bfloat16BytesFromFloat32([]float32{1.0, -2.0, 0.5})

	blob := buildSafetensors(t, map[string]struct {
		dtype string
		shape []int64
		data  []byte
	}{
		"half":  {dtype: "F16", shape: []int64{3}, data: f16Data},
		"bhalf": {dtype: "BF16", shape: []int64{3}, data: bf16Data},
	})

	store, err := OpenStoreFromBytes(blob)
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}
	defer store.Close()

	half, err := store.Tensor("half")
	if err != nil {
		t.Fatalf("Tensor(half): %v", err)
	}

	assertFloatSliceNear(t, half.Data, []float32{1.0, -2.0, 0.5}, 1e-4)

	bhalf, err := store.Tensor("bhalf")
	if err != nil {
		t.Fatalf("Tensor(bhalf): %v", err)
	}

	assertFloatSliceNear(t, bhalf.Data, []float32{1.0, -2.0, 0.5}, 1e-4)
}

func TestStore_TensorWithShapeAndMissingDiagnostics(t *testing.T) {
	blob := buildSafetensors(t, map[string]struct {
		dtype string
		shape []int64
		data  []byte
	}{
		"alpha": {dtype: "F32", shape: []int64{2}, data: float32Bytes([]float32{1, 2})},
	})

	store, err := OpenStoreFromBytes(blob)
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}
	defer store.Close()

	_, err = store.TensorWithShape("alpha", []int64{1, 2})
	if err == nil {
		t.Fatal("TensorWithShape should fail on shape mismatch")
	}

	_, err = store.Tensor("missing")
	if err == nil {
		t.Fatal("Tensor(missing) should fail")
	}

	if !strings.Contains(err.Error(), "available: alpha") {
		t.Fatalf("missing tensor error should include available names, got: %v", err)
	}
}

func TestStore_CorruptionAndUnsupportedDTypeErrors(t *testing.T) {
	// Unsupported dtype.
	unsupported := buildSafetensors(t, map[string]struct {
		dtype string
		shape []int64
		data  []byte
	}{
		"x": {dtype: "I64", shape: []int64{1}, data: make([]byte, 8)},
	})

	_, err := OpenStoreFromBytes(unsupported)
	if err == nil {
		t.Fatal("OpenStoreFromBytes should fail for unsupported dtype")
	}

	// Invalid offset range (end < start).
	header := `{"bad":{"dtype":"F32","shape":[1],"data_offsets":[4,2]}}`
	data := make([]byte, 8+len(header)+4)
	binary.LittleEndian.PutUint64(data[:8], uint64(len(header)))
	copy(data[8:], []byte(header))

	_, err = OpenStoreFromBytes(data)
	if err == nil {
		t.Fatal("OpenStoreFromBytes should fail for invalid offsets")
	}
}

func float16Bytes(bits []uint16) []byte {
	buf := make([]byte, len(bits)*2)
	for i, b := range bits {
		binary.LittleEndian.PutUint16(buf[i*2:], b)
	}

	return buf
}

func bfloat16BytesFromFloat32(vals []float32) []byte {
	buf := make([]byte, len(vals)*2)
	for i, v := range vals {
		bits := math.Float32bits(v)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(bits>>16))
	}

	return buf
}

func assertFloatSliceNear(t *testing.T, got, want []float32, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}

	for i := range got {
		diff := math.Abs(float64(got[i] - want[i]))
		if diff > tol {
			t.Fatalf("value[%d]=%v want=%v diff=%v tol=%v", i, got[i], want[i], diff, tol)
		}
	}
}

func TestStore_InfoAndMetadata(t *testing.T) {
	header := `{"__metadata__":{"format":"pt"},"w":{"dtype":"F16","shape":[2,1],"data_offsets":[0,4]}}`
	data := make([]byte, 8+len(header)+4)
	binary.LittleEndian.PutUint64(data[:8], uint64(len(header)))
	copy(data[8:], header)

	store, err := OpenStoreFromBytes(data)
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}
	defer store.Close()

	if names := store.Names(); len(names) != 1 || names[0] != "w" {
		t.Fatalf("Names() = %v; want [w]", names)
	}

	info, ok := store.Info("w")
	if !ok {
		t.Fatal("Info(w) not found")
	}

	if info.DType != DTypeF16 || len(info.Shape) != 2 || info.Shape[0] != 2 {
		t.Fatalf("Info(w) = %+v", info)
	}

	if _, ok := store.Info("missing"); ok {
		t.Fatal("Info(missing) should report false")
	}

	if got := store.Metadata()["format"]; got != "pt" {
		t.Fatalf("metadata format = %q; want pt", got)
	}
}

func TestStore_TooShortPayload(t *testing.T) {
	if _, err := OpenStoreFromBytes([]byte{1, 2, 3}); err == nil {
		t.Fatal("OpenStoreFromBytes should fail for a truncated payload")
	}
}
