package network

import (
	"encoding/binary"
	"fmt"
	"io"
)

// weightsMagic marks the start of a serialized weight file
const weightsMagic uint32 = 0x4D4C5001

// Weights are stored little-endian: the magic, a uint32 layer count,
// then per layer uint32 input and output dims followed by the weight
// matrix (row-major) and the bias vector, both as float32.

func writeLayerData(w io.Writer, inDim, outDim int, weights, biases []float64) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(inDim)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(outDim)); err != nil {
		return err
	}
	buf := make([]float32, len(weights)+len(biases))
	for i, v := range weights {
		buf[i] = float32(v)
	}
	for i, v := range biases {
		buf[len(weights)+i] = float32(v)
	}
	return binary.Write(w, binary.LittleEndian, buf)
}

func readLayerData(r io.Reader, wantIn, wantOut int) ([]float64, []float64, error) {
	var inDim, outDim uint32
	if err := binary.Read(r, binary.LittleEndian, &inDim); err != nil {
		return nil, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &outDim); err != nil {
		return nil, nil, err
	}
	if int(inDim) != wantIn || int(outDim) != wantOut {
		return nil, nil, fmt.Errorf("layer shape %dx%d, want %dx%d",
			outDim, inDim, wantOut, wantIn)
	}

	buf := make([]float32, inDim*outDim+outDim)
	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		return nil, nil, err
	}
	weights := make([]float64, inDim*outDim)
	biases := make([]float64, outDim)
	for i := range weights {
		weights[i] = float64(buf[i])
	}
	for i := range biases {
		biases[i] = float64(buf[len(weights)+i])
	}
	return weights, biases, nil
}

// Save writes the network weights to w
func (n *TrainingMLP) Save(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, weightsMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(n.layers))); err != nil {
		return err
	}
	for _, l := range n.layers {
		if err := writeLayerData(w, l.inDim, l.outDim, l.weights.RawMatrix().Data,
			l.biases); err != nil {
			return err
		}
	}
	return nil
}

// Load replaces the network weights with a previously saved set. The
// stored layer shapes must match the network exactly; on any mismatch
// or read error the network is left unchanged.
func (n *TrainingMLP) Load(r io.Reader) error {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("load: %v", err)
	}
	if magic != weightsMagic {
		return fmt.Errorf("load: bad magic 0x%08X", magic)
	}
	var layerCount uint32
	if err := binary.Read(r, binary.LittleEndian, &layerCount); err != nil {
		return fmt.Errorf("load: %v", err)
	}
	if int(layerCount) != len(n.layers) {
		return fmt.Errorf("load: %d layers stored, network has %d", layerCount, len(n.layers))
	}

	// Read everything before touching the network
	weights := make([][]float64, len(n.layers))
	biases := make([][]float64, len(n.layers))
	for i, l := range n.layers {
		var err error
		weights[i], biases[i], err = readLayerData(r, l.inDim, l.outDim)
		if err != nil {
			return fmt.Errorf("load: layer %d: %v", i, err)
		}
	}

	for i, l := range n.layers {
		copy(l.weights.RawMatrix().Data, weights[i])
		copy(l.biases, biases[i])
	}
	return nil
}

// Save writes the policy's mean network and log standard deviations.
// The log standard deviations ride along as one extra 1-input layer.
func (p *GaussianPolicy) Save(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, weightsMagic); err != nil {
		return err
	}
	total := uint32(len(p.mean.layers) + 1)
	if err := binary.Write(w, binary.LittleEndian, total); err != nil {
		return err
	}
	for _, l := range p.mean.layers {
		if err := writeLayerData(w, l.inDim, l.outDim, l.weights.RawMatrix().Data,
			l.biases); err != nil {
			return err
		}
	}
	zeros := make([]float64, len(p.logStd))
	return writeLayerData(w, 1, len(p.logStd), p.logStd, zeros)
}

// Load restores a policy saved with Save. The policy is unchanged on
// any error.
func (p *GaussianPolicy) Load(r io.Reader) error {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("load: %v", err)
	}
	if magic != weightsMagic {
		return fmt.Errorf("load: bad magic 0x%08X", magic)
	}
	var layerCount uint32
	if err := binary.Read(r, binary.LittleEndian, &layerCount); err != nil {
		return fmt.Errorf("load: %v", err)
	}
	if int(layerCount) != len(p.mean.layers)+1 {
		return fmt.Errorf("load: %d layers stored, policy has %d",
			layerCount, len(p.mean.layers)+1)
	}

	weights := make([][]float64, len(p.mean.layers))
	biases := make([][]float64, len(p.mean.layers))
	for i, l := range p.mean.layers {
		var err error
		weights[i], biases[i], err = readLayerData(r, l.inDim, l.outDim)
		if err != nil {
			return fmt.Errorf("load: layer %d: %v", i, err)
		}
	}
	logStd, _, err := readLayerData(r, 1, len(p.logStd))
	if err != nil {
		return fmt.Errorf("load: log std layer: %v", err)
	}

	for i, l := range p.mean.layers {
		copy(l.weights.RawMatrix().Data, weights[i])
		copy(l.biases, biases[i])
	}
	copy(p.logStd, logStd)
	return nil
}
