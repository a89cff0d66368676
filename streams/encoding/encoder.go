package encoding

// Encoder translates between user values and the byte payloads stored in
// kafka records.
type Encoder interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte) (interface{}, error)
}
