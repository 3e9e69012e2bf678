package splat

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

const safetensorsMetadataKey = "__metadata__"

// TensorWithShape is one named tensor in a safetensors file. Values hold the
// elements as float32 whatever the stored dtype.
type TensorWithShape struct {
	DType  string
	Shape  []int
	Values []float32
}

// TensorInfo describes a tensor's properties in the file header.
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// SafetensorsFile is the decoded content of a safetensors file.
type SafetensorsFile struct {
	Tensors  map[string]TensorWithShape
	Metadata map[string]string
}

// SaveSafetensors writes tensors and string metadata to a safetensors file.
func SaveSafetensors(filepath string, tensors map[string]TensorWithShape, metadata map[string]string) error {
	data, err := SerializeSafetensors(tensors, metadata)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, data, 0644)
}

// SerializeSafetensors converts tensors to safetensors format bytes.
func SerializeSafetensors(tensors map[string]TensorWithShape, metadata map[string]string) ([]byte, error) {
	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[safetensorsMetadataKey] = metadata
	}

	// Sort names for deterministic order
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	currentOffset := 0
	for _, name := range names {
		tensor := tensors[name]
		bytesPerElement := getBytesPerElement(tensor.DType)
		if bytesPerElement == 0 {
			return nil, fmt.Errorf("unsupported dtype: %s", tensor.DType)
		}
		numElements := shapeSize(tensor.Shape)
		if numElements != len(tensor.Values) {
			return nil, fmt.Errorf("%w: tensor %s has shape %v but %d values", ErrShapeMismatch, name, tensor.Shape, len(tensor.Values))
		}
		dataSize := numElements * bytesPerElement
		header[name] = TensorInfo{
			DType:  tensor.DType,
			Shape:  tensor.Shape,
			Offset: []int{currentOffset, currentOffset + dataSize},
		}
		currentOffset += dataSize
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// Build file: [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := uint64(len(headerJSON))
	result := make([]byte, 8+headerSize+uint64(currentOffset))
	binary.LittleEndian.PutUint64(result[0:8], headerSize)
	copy(result[8:8+headerSize], headerJSON)

	offset := int(8 + headerSize)
	for _, name := range names {
		n, err := writeTensorData(result[offset:], tensors[name])
		if err != nil {
			return nil, fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
		offset += n
	}
	return result, nil
}

// LoadSafetensors reads a safetensors file.
func LoadSafetensors(filepath string) (*SafetensorsFile, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return LoadSafetensorsFromBytes(data)
}

// LoadSafetensorsFromBytes decodes safetensors data from a byte slice.
func LoadSafetensorsFromBytes(data []byte) (*SafetensorsFile, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)-8) < headerSize {
		return nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	allData := data[8+headerSize:]

	out := &SafetensorsFile{
		Tensors:  make(map[string]TensorWithShape, len(rawHeader)),
		Metadata: map[string]string{},
	}
	for name, raw := range rawHeader {
		if name == safetensorsMetadataKey {
			if err := json.Unmarshal(raw, &out.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("failed to parse tensor %s: %w", name, err)
		}
		values, err := readTensorData(allData, info)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		out.Tensors[name] = TensorWithShape{DType: info.DType, Shape: info.Shape, Values: values}
	}
	return out, nil
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// getBytesPerElement returns bytes per element for a dtype
func getBytesPerElement(dtype string) int {
	switch dtype {
	case "F32", "I32":
		return 4
	case "F16", "BF16":
		return 2
	case "BOOL", "U8":
		return 1
	default:
		return 0
	}
}

// writeTensorData writes tensor data in the given dtype. Half-precision
// dtypes are read-only.
func writeTensorData(dest []byte, tensor TensorWithShape) (int, error) {
	n := len(tensor.Values)
	switch tensor.DType {
	case "F32":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint32(dest[i*4:], math.Float32bits(val))
		}
		return n * 4, nil
	case "I32":
		for i, val := range tensor.Values {
			binary.LittleEndian.PutUint32(dest[i*4:], uint32(int32(val)))
		}
		return n * 4, nil
	case "BOOL", "U8":
		for i, val := range tensor.Values {
			dest[i] = byte(uint8(val))
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported dtype: %s", tensor.DType)
	}
}

func readTensorData(allData []byte, info TensorInfo) ([]float32, error) {
	size := getBytesPerElement(info.DType)
	if size == 0 {
		return nil, fmt.Errorf("unsupported dtype %s", info.DType)
	}
	if len(info.Offset) != 2 {
		return nil, fmt.Errorf("malformed data_offsets %v", info.Offset)
	}
	n := shapeSize(info.Shape)
	start := info.Offset[0]
	if start < 0 || start+n*size > len(allData) || info.Offset[1]-start != n*size {
		return nil, fmt.Errorf("data out of bounds")
	}
	buf := allData[start : start+n*size]
	values := make([]float32, n)
	for i := range values {
		switch info.DType {
		case "F32":
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		case "I32":
			values[i] = float32(int32(binary.LittleEndian.Uint32(buf[i*4:])))
		case "F16":
			values[i] = float16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
		case "BF16":
			values[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[i*2:])) << 16)
		case "BOOL", "U8":
			values[i] = float32(buf[i])
		}
	}
	return values, nil
}

// float16ToFloat32 converts a float16 (half precision) to float32
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32((f16 >> 15) & 0x1)
	exponent := uint32((f16 >> 10) & 0x1F)
	mantissa := uint32(f16 & 0x3FF)

	var f32bits uint32
	if exponent == 0 {
		if mantissa == 0 {
			// Zero
			f32bits = sign << 31
		} else {
			// Subnormal
			exponent = 1
			for (mantissa & 0x400) == 0 {
				mantissa <<= 1
				exponent--
			}
			mantissa &= 0x3FF
			f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
		}
	} else if exponent == 0x1F {
		// Inf or NaN
		f32bits = (sign << 31) | (0xFF << 23) | (mantissa << 13)
	} else {
		f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
	}
	return math.Float32frombits(f32bits)
}
