package main

// Options is option of the command.
type Options struct {
	SRModel      string `long:"sr-model" env:"ENHANCE_SR_MODEL" default:"RealESRGAN_x4plus.onnx" description:"Path to the Real-ESRGAN x4 model weights"`
	GFPGANModel  string `long:"gfpgan-model" env:"ENHANCE_GFPGAN_MODEL" default:"GFPGANv1.4.onnx" description:"Path to the GFPGAN model weights"`
	Device       string `long:"device" env:"ENHANCE_DEVICE" default:"auto" choice:"auto" choice:"cuda" choice:"cpu" description:"Device to run inference on"`
	FaceDetector string `long:"face-detector" env:"ENHANCE_FACE_DETECTOR" default:"facefinder" description:"Path to the pigo face detection cascade"`
	Tile         int    `long:"tile" env:"ENHANCE_TILE" default:"0" description:"Tile size for super-resolution, 0 for no tiling"`
	CPU          int    `short:"c" long:"cpu" env:"ENHANCE_CPU" description:"The number of CPUs used to calculate"`
	ORTLib       string `long:"ort-lib" env:"ONNXRUNTIME_LIB" description:"Path to the onnxruntime shared library"`
	Verbose      bool   `short:"v" long:"verbose" description:"Log debug output"`

	Args struct {
		Input  string `positional-arg-name:"input" description:"Path to the input image"`
		Output string `positional-arg-name:"output" description:"Path to save the enhanced image"`
	} `positional-args:"yes" required:"yes"`
}
