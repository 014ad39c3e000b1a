// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hed1ad/trafficguard/pkg/detectors"
)

// ErrNotTrained is returned when scoring or saving an unfitted forest.
var ErrNotTrained = errors.New("model not trained")

// IsolationForest implements unsupervised anomaly detection using isolation trees.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	threshold     float64
	rng           *rand.Rand

	// Trained model
	trees     []*node
	nFeatures int
	trained   bool

	// Statistics from training
	avgPathLength float64
}

// node is a node in an isolation tree. Fields are exported for gob.
type node struct {
	// Split parameters (for internal nodes)
	Feature int
	Split   float64
	// Observed range of Feature among the samples that reached this node
	Lo, Hi float64

	Left  *node
	Right *node

	// Number of samples that reached this leaf
	Size int
	// Value shared by every sample of a leaf that could not be split
	Point []float64
}

func (n *node) isLeaf() bool {
	return n.Left == nil && n.Right == nil
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.1,
		threshold:     0.5,
		rng:           rand.New(rand.NewSource(42)),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// FromConfig creates an IsolationForest from the shared detector config.
func FromConfig(cfg detectors.Config) *IsolationForest {
	opts := []Option{WithContamination(cfg.Contamination)}
	if cfg.Trees > 0 {
		opts = append(opts, WithTrees(cfg.Trees))
	}
	if cfg.SampleSize > 0 {
		opts = append(opts, WithSampleSize(cfg.SampleSize))
	}
	if cfg.RandomSeed != 0 {
		opts = append(opts, WithSeed(cfg.RandomSeed))
	}
	return New(opts...)
}

// Fit trains the Isolation Forest on the provided data.
func (f *IsolationForest) Fit(data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return errors.New("empty training data")
	}
	if f.nTrees <= 0 || f.sampleSize <= 0 {
		return fmt.Errorf("invalid forest size: %d trees, sample size %d", f.nTrees, f.sampleSize)
	}
	if f.contamination < 0 || f.contamination >= 0.5 {
		return fmt.Errorf("contamination must be in [0, 0.5), got %v", f.contamination)
	}

	nSamples := len(data)
	nFeatures := len(data[0])
	if nFeatures == 0 {
		return errors.New("training samples have no features")
	}
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("sample %d has %d features, expected %d", i, len(row), nFeatures)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("sample %d contains a non-finite value", i)
			}
		}
	}

	// Adjust sample size if needed
	sampleSize := f.sampleSize
	if sampleSize > nSamples {
		sampleSize = nSamples
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))
	if maxDepth < 1 {
		maxDepth = 1
	}

	// Build trees
	f.trees = make([]*node, f.nTrees)
	for i := 0; i < f.nTrees; i++ {
		// Sample without replacement
		indices := f.rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}

		f.trees[i] = f.buildNode(sample, nFeatures, 0, maxDepth)
	}

	// Calculate average path length for normalization
	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.nFeatures = nFeatures
	f.trained = true

	// Set threshold based on contamination
	if f.contamination > 0 {
		scores, err := f.predict(data)
		if err != nil {
			return err
		}
		f.threshold = percentile(scores, 100*(1-f.contamination))
	}

	return nil
}

func (f *IsolationForest) buildNode(data [][]float64, nFeatures, depth, maxDepth int) *node {
	n := len(data)

	// Terminal conditions
	if depth >= maxDepth || n <= 1 {
		return &node{Size: n}
	}

	// Pick a random feature among those that still vary
	mins := make([]float64, nFeatures)
	maxs := make([]float64, nFeatures)
	copy(mins, data[0])
	copy(maxs, data[0])
	for _, row := range data[1:] {
		for j, v := range row {
			if v < mins[j] {
				mins[j] = v
			}
			if v > maxs[j] {
				maxs[j] = v
			}
		}
	}
	var candidates []int
	for j := range mins {
		if mins[j] < maxs[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &node{Size: n, Point: mins}
	}
	feature := candidates[f.rng.Intn(len(candidates))]
	minVal, maxVal := mins[feature], maxs[feature]

	// Random split value
	splitValue := minVal + f.rng.Float64()*(maxVal-minVal)

	// Partition data
	var leftData, rightData [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			leftData = append(leftData, row)
		} else {
			rightData = append(rightData, row)
		}
	}

	return &node{
		Feature: feature,
		Split:   splitValue,
		Lo:      minVal,
		Hi:      maxVal,
		Left:    f.buildNode(leftData, nFeatures, depth+1, maxDepth),
		Right:   f.buildNode(rightData, nFeatures, depth+1, maxDepth),
	}
}

// Predict returns anomaly scores for the given samples.
func (f *IsolationForest) Predict(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, ErrNotTrained
	}

	return f.predict(data)
}

func (f *IsolationForest) predict(data [][]float64) ([]float64, error) {
	scores := make([]float64, len(data))

	for i, sample := range data {
		score, err := f.predictOne(sample)
		if err != nil {
			return nil, err
		}
		scores[i] = score
	}

	return scores, nil
}

// PredictOne returns the anomaly score for a single sample.
func (f *IsolationForest) PredictOne(sample []float64) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return 0, ErrNotTrained
	}

	return f.predictOne(sample)
}

func (f *IsolationForest) predictOne(sample []float64) (float64, error) {
	if len(sample) != f.nFeatures {
		return 0, fmt.Errorf("sample has %d features, model expects %d", len(sample), f.nFeatures)
	}

	// Average path length across all trees
	var totalPath float64
	for _, root := range f.trees {
		totalPath += pathLength(sample, root, 0)
	}
	avgPath := totalPath / float64(len(f.trees))

	// A forest fitted on a single sample has no path normalization.
	if f.avgPathLength == 0 {
		return 0.5, nil
	}

	// Anomaly score: 2^(-avgPath / c(n))
	// Higher score = more anomalous
	return math.Pow(2, -avgPath/f.avgPathLength), nil
}

// pathLength calculates the path length for a sample in a tree.
// A sample lying farther outside a node's observed range than the width of
// that range is isolated at the node instead of following the extreme branch.
// A sample differing from the identical samples of an unsplittable leaf is
// isolated one level below it.
func pathLength(sample []float64, n *node, currentDepth int) float64 {
	if n.isLeaf() {
		if n.Point != nil && !equalPoint(sample, n.Point) {
			return float64(currentDepth + 1)
		}
		// Leaf node: add expected path length for remaining isolation
		return float64(currentDepth) + averagePathLength(float64(n.Size))
	}

	v := sample[n.Feature]
	width := n.Hi - n.Lo
	if v < n.Lo-width || v > n.Hi+width {
		return float64(currentDepth + 1)
	}
	if v < n.Split {
		return pathLength(sample, n.Left, currentDepth+1)
	}
	return pathLength(sample, n.Right, currentDepth+1)
}

func equalPoint(a, b []float64) bool {
	for i := range b {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, where H is harmonic number
	// Approximation: H(n) ≈ ln(n) + 0.5772156649 (Euler-Mascheroni constant)
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

// snapshot is the serialized form of a trained forest.
type snapshot struct {
	NTrees        int
	SampleSize    int
	NFeatures     int
	Contamination float64
	Threshold     float64
	AvgPathLength float64
	Trees         []*node
}

// Save serializes the trained model.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, ErrNotTrained
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(snapshot{
		NTrees:        f.nTrees,
		SampleSize:    f.sampleSize,
		NFeatures:     f.nFeatures,
		Contamination: f.contamination,
		Threshold:     f.threshold,
		AvgPathLength: f.avgPathLength,
		Trees:         f.trees,
	})
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *IsolationForest) Load(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	if len(s.Trees) == 0 || len(s.Trees) != s.NTrees {
		return fmt.Errorf("snapshot has %d trees, header says %d", len(s.Trees), s.NTrees)
	}
	if s.NFeatures <= 0 {
		return errors.New("snapshot has no features")
	}
	for _, root := range s.Trees {
		if err := validateNode(root, s.NFeatures); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nTrees = s.NTrees
	f.sampleSize = s.SampleSize
	f.nFeatures = s.NFeatures
	f.contamination = s.Contamination
	f.threshold = s.Threshold
	f.avgPathLength = s.AvgPathLength
	f.trees = s.Trees
	f.trained = true

	return nil
}

func validateNode(n *node, nFeatures int) error {
	if n == nil {
		return errors.New("snapshot contains a nil node")
	}
	if n.isLeaf() {
		if n.Point != nil && len(n.Point) != nFeatures {
			return fmt.Errorf("snapshot leaf holds %d features of %d", len(n.Point), nFeatures)
		}
		return nil
	}
	if n.Left == nil || n.Right == nil {
		return errors.New("snapshot contains a node with one child")
	}
	if n.Feature < 0 || n.Feature >= nFeatures {
		return fmt.Errorf("snapshot node splits on feature %d of %d", n.Feature, nFeatures)
	}
	if err := validateNode(n.Left, nFeatures); err != nil {
		return err
	}
	return validateNode(n.Right, nFeatures)
}

// Threshold returns the current anomaly threshold.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

// SetThreshold updates the anomaly threshold.
func (f *IsolationForest) SetThreshold(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threshold = t
}

// IsAnomaly reports whether score lies strictly above the threshold, so a
// batch of identical samples is never flagged wholesale.
func (f *IsolationForest) IsAnomaly(score float64) bool {
	return score > f.Threshold()
}

// percentile calculates the p-th percentile of the data, interpolating
// linearly between closest ranks.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	pos := float64(len(sorted)-1) * p / 100
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}

var _ detectors.Detector = (*IsolationForest)(nil)
