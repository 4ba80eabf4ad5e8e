package audio

type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32 // requested; the platform may grant a different rate
	Channels   uint32
}

type PlaybackConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	NewPlayback(config PlaybackConfig) (PlaybackDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	// SampleRate reports the rate the platform actually granted, which is
	// not necessarily the requested one.
	SampleRate() uint32
	DeviceName() string
}

type PlaybackDevice interface {
	// Start opens the output stream. Safe to call when already started.
	Start() error
	// Play blocks until the block has been consumed or Halt is called.
	Play(pcm []byte) error
	// Halt discards buffered audio and unblocks any in-flight Play.
	Halt()
	Close()
}
