package lesion

import "errors"

var (
	// ErrModelLoad is fatal: the service never serves traffic without a model.
	ErrModelLoad = errors.New("load model")
	// ErrMissingInput means the request carried no image.
	ErrMissingInput = errors.New("no image uploaded")
	// ErrDecode means the uploaded bytes are not a decodable image.
	ErrDecode = errors.New("decode image")
	// ErrPreprocess means a decoded image could not be turned into a tensor.
	ErrPreprocess = errors.New("preprocess image")
	// ErrInference means the classifier failed to produce a distribution.
	ErrInference = errors.New("inference failed")
)
