package reference

import "math"

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func relu(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

func reluDerivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// bceWithLogits is the binary cross entropy of sigmoid(x) against target y,
// with positives weighted by posWeight. It returns the loss and its
// derivative with respect to x.
func bceWithLogits(x, y, posWeight float64) (float64, float64) {
	// log(1+exp(-|x|)) keeps both branches finite for large |x|.
	softplusNeg := math.Log1p(math.Exp(-math.Abs(x))) + math.Max(-x, 0)
	logSig := -softplusNeg
	logOneMinusSig := -x - softplusNeg
	loss := -(posWeight*y*logSig + (1-y)*logOneMinusSig)
	s := sigmoid(x)
	grad := posWeight*y*(s-1) + (1-y)*s
	return loss, grad
}
