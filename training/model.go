package training

import "github.com/tsawler/go-segtrain/tensor"

// Model is a network trained by manual backpropagation. Backward must follow the Forward
// whose output it differentiates and accumulates parameter gradients.
type Model interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Trainable tensors, in optimizer order
	Train()                       // Sets model to training mode
	Eval()                        // Sets model to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}
