//go:build !opus

package opus

func Available() bool { return false }

type Decoder struct{}

func NewDecoder(int) (*Decoder, error) { return nil, ErrUnavailable }

func (d *Decoder) Decode([]byte) ([]byte, error) { return nil, ErrUnavailable }

type Encoder struct{}

func NewEncoder(int) (*Encoder, error) { return nil, ErrUnavailable }

func (e *Encoder) Encode([]byte) ([][]byte, error) { return nil, ErrUnavailable }

func (e *Encoder) Reset() {}
