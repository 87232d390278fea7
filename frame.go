package vdec

// DecodedFrame is one decoded picture delivered by a DecodePipeline.
// Data points into an output buffer and is only valid during the callback.
type DecodedFrame struct {
	Data      []byte      // I420 picture
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
	Stride    int         // Luma stride in bytes
	Timestamp int64       // Presentation timestamp in microseconds
	Flags     BufferFlags // Flags reported by the driver
}

// Clone creates a deep copy of the frame.
// Use this when you need to keep the frame data beyond the callback.
func (f *DecodedFrame) Clone() *DecodedFrame {
	clone := *f
	clone.Data = append([]byte(nil), f.Data...)
	return &clone
}

// FrameCallback receives decoded frames.
type FrameCallback func(*DecodedFrame)

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	// Y plane: width * height
	// U plane: (width/2) * (height/2)
	// V plane: (width/2) * (height/2)
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	return ySize + uvSize*2
}
