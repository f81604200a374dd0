package ml

// DType represents the data type of tensor elements.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeI32
	DTypeBool
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeI32:
		return "I32"
	case DTypeBool:
		return "Bool"
	default:
		return "Other"
	}
}

// Device identifies where a tensor's storage lives. Backends report the
// devices they host; mixing devices within a single operation is a
// configuration error.
type Device string

const DeviceCPU Device = "cpu"
