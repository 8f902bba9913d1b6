package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

// EncodeOptions controls the on-disk layout of EncodeTensors.
type EncodeOptions struct {
	// DType is DTypeF32 (default) or DTypeF16.
	DType string
	// Metadata is written under __metadata__ when non-empty.
	Metadata map[string]string
}

// EncodeData serializes values as little-endian elements of dtype.
func EncodeData(values []float32, dtype string) ([]byte, error) {
	switch strings.ToUpper(dtype) {
	case "", DTypeF32:
		out := make([]byte, len(values)*4)
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}

		return out, nil
	case DTypeF16:
		out := make([]byte, len(values)*2)
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], float32ToFloat16(v))
		}

		return out, nil
	default:
		return nil, fmt.Errorf("safetensors: cannot encode dtype %q", dtype)
	}
}

// EncodeTensors serializes tensors into safetensors format, sorted by name.
func EncodeTensors(tensors []Tensor, opts EncodeOptions) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	dtype := strings.ToUpper(opts.DType)
	if dtype == "" {
		dtype = DTypeF32
	}

	elemBytes, err := dtypeBytes(dtype)
	if err != nil || dtype == DTypeBF16 {
		return nil, fmt.Errorf("safetensors: cannot encode dtype %q", opts.DType)
	}

	sorted := make([]Tensor, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	header := make(map[string]any, len(sorted)+1)
	if len(opts.Metadata) > 0 {
		header[metadataKey] = opts.Metadata
	}

	total := 0
	for _, tensor := range sorted {
		total += len(tensor.Data) * elemBytes
	}

	raw := make([]byte, 0, total)

	for _, tensor := range sorted {
		name := strings.TrimSpace(tensor.Name)
		if name == "" {
			return nil, errors.New("safetensors: tensor name must not be empty")
		}

		if name == metadataKey {
			return nil, fmt.Errorf("safetensors: tensor name %q is reserved", name)
		}

		if _, exists := header[name]; exists {
			return nil, fmt.Errorf("safetensors: duplicate tensor name %q", name)
		}

		elemCount, err := shapeElementCount(tensor.Shape)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		if int64(len(tensor.Data)) != elemCount {
			return nil, fmt.Errorf(
				"safetensors: tensor %q shape %v expects %d elements, got %d",
				name,
				tensor.Shape,
				elemCount,
				len(tensor.Data),
			)
		}

		encoded, err := EncodeData(tensor.Data, dtype)
		if err != nil {
			return nil, err
		}

		start := len(raw)
		raw = append(raw, encoded...)

		header[name] = storeHeaderEntry{
			DType:   dtype,
			Shape:   append([]int64(nil), tensor.Shape...),
			Offsets: [2]int{start, len(raw)},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := make([]byte, 8, 8+len(headerJSON)+len(raw))
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, raw...)

	return out, nil
}

// WriteFile encodes tensors and writes them to path through a temporary
// sibling file so a failed write never leaves a truncated checkpoint.
func WriteFile(path string, tensors []Tensor, opts EncodeOptions) error {
	data, err := EncodeTensors(tensors, opts)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("safetensors: rename %s: %w", tmp, err)
	}

	return nil
}
