package client

type Transport interface {
	Connect(addr string) error
	Send(v any) error
	Read() ([]byte, error) // one frame at a time
	Close() error
}
