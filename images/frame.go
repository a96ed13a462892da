package images

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"strings"

	xdraw "golang.org/x/image/draw"
)

var (
	ErrEmptyFrame        = errors.New("no frame data")
	ErrInvalidEncoding   = errors.New("frame is not valid base64")
	ErrUnsupportedFormat = errors.New("frame is not a JPEG image")
	ErrDecodingImage     = errors.New("error decoding image")
)

// DecodeFrame turns a captured webcam frame into raw JPEG bytes. The
// browser hands frames over as data URLs ("data:image/jpeg;base64,...");
// the recognition service also accepts the bare base64 payload, so both
// forms are taken. The decoded bytes are content-sniffed: anything that
// is not a JPEG is rejected before it ever reaches the service.
func DecodeFrame(frame string) ([]byte, error) {
	if frame == "" {
		return nil, ErrEmptyFrame
	}

	// Data URLs carry the payload after the first comma.
	if idx := strings.IndexByte(frame, ','); idx >= 0 {
		frame = frame[idx+1:]
	}
	if frame == "" {
		return nil, ErrEmptyFrame
	}

	decoded, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	if fileType := http.DetectContentType(decoded); fileType != "image/jpeg" {
		return nil, ErrUnsupportedFormat
	}

	return decoded, nil
}

// Normalize validates a captured frame and bounds its dimensions. Frames
// whose longest edge exceeds maxEdge are downscaled before forwarding so
// the gateway never ships multi-megapixel captures to the recognition
// service. Returns the frame as bare base64 JPEG.
func Normalize(frame string, maxEdge int) (string, error) {
	decoded, err := DecodeFrame(frame)
	if err != nil {
		return "", err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(decoded))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodingImage, err)
	}

	if maxEdge <= 0 || (cfg.Width <= maxEdge && cfg.Height <= maxEdge) {
		return base64.StdEncoding.EncodeToString(decoded), nil
	}

	img, _, err := image.Decode(bytes.NewReader(decoded))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodingImage, err)
	}

	scaled := downscale(img, maxEdge)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: 90}); err != nil {
		return "", fmt.Errorf("failed to re-encode frame: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// downscale resizes img so its longest edge equals maxEdge, preserving
// the aspect ratio.
func downscale(img image.Image, maxEdge int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	var dw, dh int
	if w >= h {
		dw = maxEdge
		dh = h * maxEdge / w
	} else {
		dh = maxEdge
		dw = w * maxEdge / h
	}
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, xdraw.Over, nil)
	return dst
}
