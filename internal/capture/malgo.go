package capture

import (
	"fmt"

	"github.com/gen2brain/malgo"
)

// MalgoOpener returns a DeviceOpener backed by the platform's native audio
// subsystem via malgo. The capture device delivers mono PCM16 blocks on a
// realtime thread; the engine's onFrame runs directly on that thread.
func MalgoOpener() DeviceOpener {
	return func(cfg Config, onFrame func(pcm []byte)) (Device, error) {
		ctxConfig := malgo.ContextConfig{}
		ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

		allocCtx, err := malgo.InitContext(nil, ctxConfig, nil)
		if err != nil {
			return nil, fmt.Errorf("init audio context: %w", err)
		}

		deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
		deviceConfig.Capture.Format = malgo.FormatS16
		deviceConfig.Capture.Channels = 1
		deviceConfig.SampleRate = uint32(cfg.SampleRate)
		deviceConfig.PeriodSizeInFrames = uint32(cfg.FrameSamples)

		callbacks := malgo.DeviceCallbacks{
			Data: func(_, pInputSamples []byte, _ uint32) {
				if len(pInputSamples) == 0 {
					return
				}
				block := make([]byte, len(pInputSamples))
				copy(block, pInputSamples)
				onFrame(block)
			},
		}

		device, err := malgo.InitDevice(allocCtx.Context, deviceConfig, callbacks)
		if err != nil {
			_ = allocCtx.Uninit()
			allocCtx.Free()
			return nil, fmt.Errorf("init capture device: %w", err)
		}

		return &malgoDevice{ctx: allocCtx, device: device}, nil
	}
}

type malgoDevice struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func (d *malgoDevice) Start() error { return d.device.Start() }
func (d *malgoDevice) Stop() error  { return d.device.Stop() }

func (d *malgoDevice) Uninit() {
	d.device.Uninit()
	_ = d.ctx.Uninit()
	d.ctx.Free()
}
