package splat

// Deform evaluates the temporal basis at time and caches the deformation
// used by the accessors. The first call fixes the start time; the query is
// normalized as (time-start)/MaxTime.
func (m *Model) Deform(time float32) {
	if !m.hasStart {
		m.startTime = time
		m.hasStart = true
	}
	m.time = time
	m.deformT = (time - m.startTime) / m.cfg.MaxTime
	m.setDeformation(m.evaluator.Evaluate(m.set.coefs, m.deformT))
}

// SetStartTime fixes the time that Deform normalizes against.
func (m *Model) SetStartTime(start float32) {
	m.startTime = start
	m.hasStart = true
}

// setDeformation slices a (N,C) deformation into its attribute offsets. The
// scale and brightness slices only exist when the channel count carries them.
func (m *Model) setDeformation(d *Tensor) {
	m.ClearDeformation()
	m.deform = d
	m.deformXYZ = columns(d, 0, posChannels)
	m.deformRot = columns(d, rotOffset, rotOffset+rotChannels)
	if m.cfg.HasScaleDeform() {
		m.deformScaling = columns(d, scaleOffset, scaleOffset+scaleChannels)
	}
	if m.cfg.HasBrightness() {
		m.deformBrightness = columns(d, brightnessOffset, m.cfg.Channels)
	}
}

// ClearDeformation drops the cached deformation; accessors return base values.
func (m *Model) ClearDeformation() {
	m.deform = nil
	m.deformXYZ = nil
	m.deformRot = nil
	m.deformScaling = nil
	m.deformBrightness = nil
}

// Deformation returns the cached (N,C) deformation and its normalized time.
func (m *Model) Deformation() (*Tensor, float32, bool) {
	return m.deform, m.deformT, m.deform != nil
}

func columns(t *Tensor, lo, hi int) *Tensor {
	n, w := t.Rows(), t.RowWidth()
	out := NewTensor(n, hi-lo)
	for i := 0; i < n; i++ {
		copy(out.Row(i), t.Data[i*w+lo:i*w+hi])
	}
	return out
}

// XYZ returns base positions plus the position deformation when present.
func (m *Model) XYZ() *Tensor {
	out := m.set.xyz.Clone()
	if m.deformXYZ != nil {
		out.Add(m.deformXYZ)
	}
	return out
}

// Scaling returns the activated scale of (base + deformation).
func (m *Model) Scaling() *Tensor {
	out := m.set.scaling.Clone()
	if m.deformScaling != nil {
		out.Add(m.deformScaling)
	}
	return m.activateScaling(out)
}

// GaussianScaling returns the activated base scale, ignoring any deformation.
func (m *Model) GaussianScaling() *Tensor {
	return m.activateScaling(m.set.scaling.Clone())
}

func (m *Model) activateScaling(t *Tensor) *Tensor {
	for i, v := range t.Data {
		t.Data[i] = scalingActivation(v, m.cfg.ScaleCeiling)
	}
	return t
}

// Rotation returns the normalized (base + deformation) quaternion.
func (m *Model) Rotation() *Tensor {
	out := m.set.rotation.Clone()
	if m.deformRot != nil {
		out.Add(m.deformRot)
	}
	return normalizeRows(out)
}

// GaussianRotation returns the normalized base quaternion.
func (m *Model) GaussianRotation() *Tensor {
	return normalizeRows(m.set.rotation.Clone())
}

func normalizeRows(t *Tensor) *Tensor {
	for i := 0; i < t.Rows(); i++ {
		r := t.Row(i)
		normalizeQuat(r, r)
	}
	return t
}

// Opacity returns sigmoid of the opacity logit. No channel deforms opacity in
// the current layout, so it matches GaussianOpacity.
func (m *Model) Opacity() *Tensor {
	return m.GaussianOpacity()
}

// GaussianOpacity returns sigmoid of the base opacity logit.
func (m *Model) GaussianOpacity() *Tensor {
	out := m.set.opacity.Clone()
	for i, v := range out.Data {
		out.Data[i] = sigmoid(v)
	}
	return out
}

// Features returns the (N, (D+1)^2, 3) SH coefficients: the DC term, shifted
// by the brightness deformation when present, followed by the rest.
func (m *Model) Features() *Tensor {
	n := m.Len()
	k := m.cfg.RestCoeffs()
	out := NewTensor(n, 1+k, 3)
	for i := 0; i < n; i++ {
		row := out.Row(i)
		copy(row[:3], m.set.featuresDC.Row(i))
		copy(row[3:], m.set.featuresRest.Row(i))
		if m.deformBrightness != nil {
			addBrightness(row[:3], m.deformBrightness.Row(i))
		}
	}
	return out
}

// addBrightness adds a brightness offset to a DC color triple. A single
// channel is broadcast over RGB.
func addBrightness(dc, b []float32) {
	for c := 0; c < 3; c++ {
		if len(b) == 1 {
			dc[c] += b[0]
		} else {
			dc[c] += b[c]
		}
	}
}

// Covariance returns the (N,6) upper triangle of R diag(s*modifier)^2 R^T.
// It uses the undeformed scale and rotation, unlike the deformed position,
// opacity and color accessors.
func (m *Model) Covariance(scalingModifier float32) *Tensor {
	scales := m.GaussianScaling()
	n := m.Len()
	out := NewTensor(n, 6)
	for i := 0; i < n; i++ {
		R := buildRotation(m.set.rotation.Row(i))
		s := scales.Row(i)
		var L [9]float32
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				L[r*3+c] = R[r*3+c] * s[c] * scalingModifier
			}
		}
		var cov [9]float32
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				var v float32
				for k := 0; k < 3; k++ {
					v += L[r*3+k] * L[c*3+k]
				}
				cov[r*3+c] = v
			}
		}
		o := out.Row(i)
		o[0], o[1], o[2] = cov[0], cov[1], cov[2]
		o[3], o[4] = cov[4], cov[5]
		o[5] = cov[8]
	}
	return out
}
