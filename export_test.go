package graphann

// SetQuantizationSupported replaces the host capability probe and returns a
// function restoring the previous one.
func SetQuantizationSupported(fn func() bool) (restore func()) {
	prev := quantizationSupported
	quantizationSupported = fn
	return func() { quantizationSupported = prev }
}

// SetOpenQuantized replaces the loader Quantize hands over to and returns a
// function restoring the previous one.
func SetOpenQuantized(fn func(path string) (*QuantizedIndex, error)) (restore func()) {
	prev := openQuantizedIndex
	openQuantizedIndex = func(path string, _ options) (*QuantizedIndex, error) { return fn(path) }
	return func() { openQuantizedIndex = prev }
}
