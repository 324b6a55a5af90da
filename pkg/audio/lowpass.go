package audio

import "math"

// antiAliasCutoff is the low-pass corner as a fraction of the output rate,
// kept below the output Nyquist frequency (0.5).
const antiAliasCutoff = 0.45

// lowpassSections is the number of biquads in the anti-aliasing filter; the
// cascade is a Butterworth filter of order 2*lowpassSections.
const lowpassSections = 4

// biquad is one second-order IIR section in direct form I.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64

	x1, x2 float64
	y1, y2 float64
}

// setLowPass computes low-pass coefficients for corner fc (Hz) and quality
// q at the given sample rate. The DC gain is 1.
func (f *biquad) setLowPass(rate int, fc, q float64) {
	w0 := 2 * math.Pi * fc / float64(rate)
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)

	a0 := 1 + alpha
	f.b0 = (1 - cosw0) / 2 / a0
	f.b1 = (1 - cosw0) / a0
	f.b2 = (1 - cosw0) / 2 / a0
	f.a1 = -2 * cosw0 / a0
	f.a2 = (1 - alpha) / a0
}

func (f *biquad) step(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

// lowpass removes content above the output Nyquist frequency before a
// stream is downsampled, so it does not fold back into the speech band.
// State carries across buffers.
type lowpass struct {
	sections [lowpassSections]biquad
	primed   bool
}

func newLowpass(inRate, outRate int) *lowpass {
	fc := antiAliasCutoff * float64(outRate)
	lp := &lowpass{}
	const order = 2 * lowpassSections
	for k := range lp.sections {
		// Butterworth pole pairs.
		theta := math.Pi * float64(2*k+1) / (2 * order)
		lp.sections[k].setLowPass(inRate, fc, 1/(2*math.Cos(theta)))
	}
	return lp
}

// process filters in place.
func (lp *lowpass) process(samples []float32) {
	if len(samples) == 0 {
		return
	}
	if !lp.primed {
		// Start in the steady state of the first sample instead of ramping
		// up from zero.
		v := float64(samples[0])
		for k := range lp.sections {
			s := &lp.sections[k]
			s.x1, s.x2, s.y1, s.y2 = v, v, v, v
		}
		lp.primed = true
	}
	for i, x := range samples {
		v := float64(x)
		for k := range lp.sections {
			v = lp.sections[k].step(v)
		}
		samples[i] = float32(v)
	}
}
