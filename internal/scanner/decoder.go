package scanner

import (
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// ZXingDecoder decodes QR codes with gozxing. Not safe for concurrent use;
// the scanner's single-flight attempt guarantees one caller at a time.
type ZXingDecoder struct {
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]interface{}
}

func NewZXingDecoder() *ZXingDecoder {
	return &ZXingDecoder{
		reader: qrcode.NewQRCodeReader(),
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

func (d *ZXingDecoder) Decode(f *Frame) (string, bool) {
	if f == nil || f.Width == 0 || f.Height == 0 {
		return "", false
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(f.RGBA())
	if err != nil {
		return "", false
	}
	res, err := d.reader.Decode(bmp, d.hints)
	if err != nil {
		return "", false
	}
	return res.GetText(), true
}
