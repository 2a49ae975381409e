package tensor

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(t *Tensor) blas32.General {
	return blas32.General{
		Rows:   t.Shape[0],
		Cols:   t.Shape[1],
		Stride: t.Shape[1],
		Data:   t.Data,
	}
}

// MatMul returns a @ b for 2D tensors [m,k] x [k,n] -> [m,n].
func MatMul(a, b *Tensor) *Tensor {
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	if b.Shape[0] != k {
		panic("tensor: inner dimensions do not match")
	}
	c := New(m, n)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(a), general(b), 0, general(c))
	return c
}

// MatMulT returns a @ b^T for 2D tensors [m,k] x [n,k] -> [m,n].
func MatMulT(a, b *Tensor) *Tensor {
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[0]
	if b.Shape[1] != k {
		panic("tensor: inner dimensions do not match")
	}
	c := New(m, n)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(a), general(b), 0, general(c))
	return c
}

// TMatMul returns a^T @ b for 2D tensors [k,m] x [k,n] -> [m,n].
func TMatMul(a, b *Tensor) *Tensor {
	k, m, n := a.Shape[0], a.Shape[1], b.Shape[1]
	if b.Shape[0] != k {
		panic("tensor: inner dimensions do not match")
	}
	c := New(m, n)
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(a), general(b), 0, general(c))
	return c
}

// Dot returns the inner product of two equal-length vectors.
func Dot(x, y []float32) float32 {
	return blas32.Dot(
		blas32.Vector{N: len(x), Inc: 1, Data: x},
		blas32.Vector{N: len(y), Inc: 1, Data: y},
	)
}

// Axpy computes y += alpha * x in place.
func Axpy(alpha float32, x, y []float32) {
	blas32.Axpy(alpha,
		blas32.Vector{N: len(x), Inc: 1, Data: x},
		blas32.Vector{N: len(y), Inc: 1, Data: y},
	)
}

// Scale multiplies every element of x by alpha in place.
func Scale(alpha float32, x []float32) {
	blas32.Scal(alpha, blas32.Vector{N: len(x), Inc: 1, Data: x})
}

// Norm2 returns the L2 norm of x.
func Norm2(x []float32) float32 {
	return blas32.Nrm2(blas32.Vector{N: len(x), Inc: 1, Data: x})
}

// Normalize returns x / max(||x||, eps), leaving x untouched.
func Normalize(x []float32) []float32 {
	const eps = 1e-12
	n := Norm2(x)
	if n < eps {
		n = eps
	}
	out := make([]float32, len(x))
	copy(out, x)
	Scale(1/n, out)
	return out
}

// AddBias adds bias to every row of a [rows, cols] tensor in place.
func AddBias(t *Tensor, bias []float32) {
	for i := 0; i < t.Shape[0]; i++ {
		Axpy(1, bias, t.Row(i))
	}
}

// ReLU applies max(0, x) in place and returns t.
func ReLU(t *Tensor) *Tensor {
	for i, v := range t.Data {
		if v < 0 {
			t.Data[i] = 0
		}
	}
	return t
}

// GELU applies the tanh-approximated gaussian error linear unit in place.
func GELU(t *Tensor) *Tensor {
	for i, v := range t.Data {
		x := float64(v)
		t.Data[i] = float32(0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x))))
	}
	return t
}

// SoftmaxRows applies a numerically stable softmax to each row in place.
func SoftmaxRows(t *Tensor) *Tensor {
	for i := 0; i < t.Shape[0]; i++ {
		row := t.Row(i)
		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - max))
			row[j] = float32(e)
			sum += e
		}
		for j := range row {
			row[j] = float32(float64(row[j]) / sum)
		}
	}
	return t
}

// MeanRows returns the column-wise mean of a [rows, cols] tensor.
func MeanRows(t *Tensor) []float32 {
	rows := t.Shape[0]
	out := make([]float32, t.Shape[1])
	for i := 0; i < rows; i++ {
		Axpy(1, t.Row(i), out)
	}
	Scale(1/float32(rows), out)
	return out
}

// LayerNormRows normalizes each row to zero mean and unit variance, then
// applies the elementwise gain and bias.
func LayerNormRows(t *Tensor, gain, bias []float32) *Tensor {
	const eps = 1e-5
	for i := 0; i < t.Shape[0]; i++ {
		row := t.Row(i)
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(len(row))
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(len(row))
		inv := 1 / math.Sqrt(variance+eps)
		for j, v := range row {
			row[j] = float32((float64(v)-mean)*inv)*gain[j] + bias[j]
		}
	}
	return t
}

// Stack stacks equal-length vectors into a [len(rows), dim] tensor.
func Stack(rows [][]float32) *Tensor {
	if len(rows) == 0 {
		panic("tensor: cannot stack zero rows")
	}
	t := New(len(rows), len(rows[0]))
	for i, r := range rows {
		copy(t.Row(i), r)
	}
	return t
}
