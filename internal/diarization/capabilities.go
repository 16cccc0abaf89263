package diarization

import "math"

// EmbeddingExtractor converts raw audio into a fixed-dimension,
// unit-norm speaker embedding. A zero vector means no usable signal.
type EmbeddingExtractor interface {
	Embed(audio []float32, sampleRate int) []float32
}

// ChangeDetector locates candidate speaker-change instants, in
// milliseconds from the start of the audio.
type ChangeDetector interface {
	Changes(audio []float32, sampleRate int) []int64
}

// bandEdges partition the spectrum for the coarse band-energy features.
var bandEdges = []float64{0, 400, 800, 1600, 3200}

const embeddingDim = 2 + 5 // zcr + centroid + band fractions

// SpectralEmbedder derives speaker embeddings from zero-crossing rate,
// spectral centroid, and coarse band-energy fractions. It is the
// default in-process model; callers with a real embedding model plug it
// in behind EmbeddingExtractor.
type SpectralEmbedder struct{}

// NewSpectralEmbedder returns the default embedder.
func NewSpectralEmbedder() *SpectralEmbedder { return &SpectralEmbedder{} }

// Embed implements EmbeddingExtractor.
func (e *SpectralEmbedder) Embed(audio []float32, sampleRate int) []float32 {
	if len(audio) == 0 || sampleRate <= 0 {
		return make([]float32, embeddingDim)
	}

	zcr := zeroCrossingRate(audio)
	mags := magnitudeSpectrum(audio)

	nyquist := float64(sampleRate) / 2
	binHz := nyquist / float64(len(mags))

	var total, centroid float64
	bands := make([]float64, len(bandEdges))
	for i, m := range mags {
		freq := float64(i) * binHz
		total += m
		centroid += freq * m
		for b := len(bandEdges) - 1; b >= 0; b-- {
			if freq >= bandEdges[b] {
				bands[b] += m
				break
			}
		}
	}

	emb := make([]float32, embeddingDim)
	emb[0] = float32(zcr)
	if total > 0 {
		emb[1] = float32(centroid / total / nyquist)
		for b := range bands {
			emb[2+b] = float32(bands[b] / total)
		}
	}
	return unitNorm(emb)
}

// EnergyChangeDetector compares analysis windows two hops apart and
// flags a change where the feature distance exceeds the threshold.
type EnergyChangeDetector struct {
	WindowSize int
	HopSize    int
	Threshold  float64
}

// NewEnergyChangeDetector returns a detector with 64 ms windows at a
// 32 ms hop for 16 kHz input.
func NewEnergyChangeDetector(threshold float64) *EnergyChangeDetector {
	return &EnergyChangeDetector{WindowSize: 1024, HopSize: 512, Threshold: threshold}
}

// Changes implements ChangeDetector.
func (d *EnergyChangeDetector) Changes(audio []float32, sampleRate int) []int64 {
	if len(audio) < d.WindowSize*2 || sampleRate <= 0 {
		return nil
	}

	embedder := NewSpectralEmbedder()
	var features [][]float32
	for i := 0; i+d.WindowSize <= len(audio); i += d.HopSize {
		features = append(features, embedder.Embed(audio[i:i+d.WindowSize], sampleRate))
	}

	// Windows are compared two hops apart: adjacent windows share half
	// their samples and smear a boundary below threshold, while a
	// two-hop pair abuts exactly and keeps at least one side pure.
	var changes []int64
	for i := 2; i < len(features); i++ {
		distance := 1 - float64(CosineSimilarity(features[i-2], features[i]))
		if distance > d.Threshold {
			timeMs := int64(i) * int64(d.HopSize) * 1000 / int64(sampleRate)
			if len(changes) == 0 || timeMs-changes[len(changes)-1] >= minAudioMs {
				changes = append(changes, timeMs)
			}
		}
	}
	return changes
}

// CosineSimilarity computes the cosine of the angle between a and b.
// Mismatched or zero vectors yield 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func zeroCrossingRate(audio []float32) float64 {
	crossings := 0
	for i := 1; i < len(audio); i++ {
		if (audio[i] >= 0) != (audio[i-1] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(audio))
}

func unitNorm(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// fftSize caps the analysis length; longer audio is truncated, shorter
// audio is zero-padded to the next power of two.
const fftSize = 4096

// magnitudeSpectrum returns the magnitudes of the positive-frequency
// bins of a radix-2 FFT over the (truncated or padded) input.
func magnitudeSpectrum(audio []float32) []float64 {
	n := 2
	for n < len(audio) && n < fftSize {
		n *= 2
	}

	re := make([]float64, n)
	im := make([]float64, n)
	for i := 0; i < n && i < len(audio); i++ {
		re[i] = float64(audio[i])
	}

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}

	for length := 2; length <= n; length <<= 1 {
		angle := -2 * math.Pi / float64(length)
		wRe, wIm := math.Cos(angle), math.Sin(angle)
		for start := 0; start < n; start += length {
			curRe, curIm := 1.0, 0.0
			for k := 0; k < length/2; k++ {
				i, j := start+k, start+k+length/2
				tRe := re[j]*curRe - im[j]*curIm
				tIm := re[j]*curIm + im[j]*curRe
				re[j], im[j] = re[i]-tRe, im[i]-tIm
				re[i], im[i] = re[i]+tRe, im[i]+tIm
				curRe, curIm = curRe*wRe-curIm*wIm, curRe*wIm+curIm*wRe
			}
		}
	}

	mags := make([]float64, n/2)
	for i := range mags {
		mags[i] = math.Hypot(re[i], im[i])
	}
	return mags
}
