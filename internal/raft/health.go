/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package raft

import (
	"math"
	"sync"
	"time"
)

// PhiAccrualDetector scores a peer's responsiveness on a continuous
// suspicion scale from observed heartbeat intervals. The score is
// operator-facing only: quorum, election, and commit decisions are driven
// exclusively by discrete RPC outcomes, never by phi.
type PhiAccrualDetector struct {
	mu         sync.RWMutex
	intervals  []float64
	lastBeat   time.Time
	minSamples int
	maxSamples int
	threshold  float64
	mean       float64
	variance   float64
}

// NewPhiAccrualDetector creates a detector flagging peers whose phi
// exceeds threshold.
func NewPhiAccrualDetector(threshold float64, minSamples, maxSamples int) *PhiAccrualDetector {
	return &PhiAccrualDetector{
		intervals:  make([]float64, 0, maxSamples),
		threshold:  threshold,
		minSamples: minSamples,
		maxSamples: maxSamples,
	}
}

// Heartbeat records a successful round trip to the peer.
func (d *PhiAccrualDetector) Heartbeat() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if !d.lastBeat.IsZero() {
		interval := now.Sub(d.lastBeat).Seconds() * 1000
		d.intervals = append(d.intervals, interval)
		if len(d.intervals) > d.maxSamples {
			d.intervals = d.intervals[1:]
		}
		d.updateStats()
	}
	d.lastBeat = now
}

func (d *PhiAccrualDetector) updateStats() {
	if len(d.intervals) == 0 {
		return
	}
	sum := 0.0
	for _, v := range d.intervals {
		sum += v
	}
	d.mean = sum / float64(len(d.intervals))

	sumSq := 0.0
	for _, v := range d.intervals {
		diff := v - d.mean
		sumSq += diff * diff
	}
	d.variance = sumSq / float64(len(d.intervals))
}

// Phi returns the current suspicion level; 0 while under-sampled.
func (d *PhiAccrualDetector) Phi() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.intervals) < d.minSamples {
		return 0
	}
	if d.lastBeat.IsZero() {
		return d.threshold + 1
	}
	timeSinceLast := time.Since(d.lastBeat).Seconds() * 1000
	return d.phi(timeSinceLast)
}

// phi approximates -log10(1 - CDF) of a normal distribution fit to the
// observed intervals.
func (d *PhiAccrualDetector) phi(timeSinceLast float64) float64 {
	stdDev := math.Sqrt(d.variance)
	if stdDev < 1 {
		stdDev = 1
	}
	y := (timeSinceLast - d.mean) / stdDev
	e := math.Exp(-y * (1.5976 + 0.070566*y*y))
	if timeSinceLast > d.mean {
		return -math.Log10(e / (1 + e))
	}
	return -math.Log10(1 - 1/(1+e))
}

// Suspect reports whether phi has crossed the configured threshold.
func (d *PhiAccrualDetector) Suspect() bool {
	return d.Phi() > d.threshold
}
