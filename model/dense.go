package model

import (
	"fmt"
	"math"
	"math/rand"
)

// Activation 是隐藏层激活函数
type Activation string

const (
	ActivationReLU    Activation = "relu"
	ActivationELU     Activation = "elu"
	ActivationTanh    Activation = "tanh"
	ActivationSigmoid Activation = "sigmoid"
	ActivationLinear  Activation = "linear"
)

// Valid 判断激活函数是否受支持
func (a Activation) Valid() bool {
	switch a {
	case ActivationReLU, ActivationELU, ActivationTanh, ActivationSigmoid, ActivationLinear:
		return true
	}
	return false
}

// apply 返回激活值
func (a Activation) apply(z float64) float64 {
	switch a {
	case ActivationReLU:
		return relu(z)
	case ActivationELU:
		if z > 0 {
			return z
		}
		return math.Exp(z) - 1
	case ActivationTanh:
		return math.Tanh(z)
	case ActivationSigmoid:
		return sigmoid(z)
	default:
		return z
	}
}

// derivative 以激活前的 z 与激活后的 y 计算导数
func (a Activation) derivative(z, y float64) float64 {
	switch a {
	case ActivationReLU:
		if z > 0 {
			return 1
		}
		return 0
	case ActivationELU:
		if z > 0 {
			return 1
		}
		return y + 1
	case ActivationTanh:
		return 1 - y*y
	case ActivationSigmoid:
		return y * (1 - y)
	default:
		return 1
	}
}

// relu ReLU 激活函数。
func relu(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// sigmoid Sigmoid 激活函数。
func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// dense 是全连接层，W 按 [out][in] 行优先存放。
type dense struct {
	In         int        `json:"in"`
	Out        int        `json:"out"`
	Activation Activation `json:"activation"`
	W          []float64  `json:"w"`
	B          []float64  `json:"b"`
}

// newDense 使用 Glorot uniform 初始化权重，偏置为 0
func newDense(in, out int, act Activation, rng *rand.Rand) *dense {
	d := &dense{In: in, Out: out, Activation: act, W: make([]float64, in*out), B: make([]float64, out)}
	limit := math.Sqrt(6.0 / float64(in+out))
	for i := range d.W {
		d.W[i] = (rng.Float64()*2 - 1) * limit
	}
	return d
}

func (d *dense) validate() error {
	if d.In <= 0 || d.Out <= 0 || len(d.W) != d.In*d.Out || len(d.B) != d.Out {
		return fmt.Errorf("dense layer shape mismatch: in=%d out=%d w=%d b=%d", d.In, d.Out, len(d.W), len(d.B))
	}
	if !d.Activation.Valid() {
		return fmt.Errorf("unknown activation %q", d.Activation)
	}
	return nil
}

// forward 计算一层前向，返回激活前 z 与激活后 y
func (d *dense) forward(x []float64) (z, y []float64) {
	z = make([]float64, d.Out)
	y = make([]float64, d.Out)
	for j := 0; j < d.Out; j++ {
		sum := d.B[j]
		row := d.W[j*d.In : (j+1)*d.In]
		for k, v := range x {
			sum += row[k] * v
		}
		z[j] = sum
		y[j] = d.Activation.apply(sum)
	}
	return z, y
}

// backward 给定输出端梯度 dy，累加参数梯度到 gW/gB，返回输入端梯度
func (d *dense) backward(x, z, y, dy, gW, gB []float64) []float64 {
	dx := make([]float64, d.In)
	for j := 0; j < d.Out; j++ {
		delta := dy[j] * d.Activation.derivative(z[j], y[j])
		if delta == 0 {
			continue
		}
		gB[j] += delta
		row := d.W[j*d.In : (j+1)*d.In]
		grow := gW[j*d.In : (j+1)*d.In]
		for k, v := range x {
			grow[k] += delta * v
			dx[k] += delta * row[k]
		}
	}
	return dx
}
