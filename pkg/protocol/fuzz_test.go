package protocol

import (
	"testing"
)

// FuzzDecoder fuzzes the streaming decoder with random bytes
func FuzzDecoder(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x00, 0x00})
	f.Add(AppendFrame(nil, []byte(`{"action":"login","username":"a","password":"b"}`)))
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		d := NewDecoder(1024)
		d.Feed(data)

		// Must terminate and never panic; every yielded payload respects the cap
		for i := 0; i <= len(data); i++ {
			payload, err := d.Next()
			if err != nil {
				continue
			}
			if payload == nil {
				break
			}
			if len(payload) > 1024 {
				t.Fatalf("payload of %d bytes exceeds cap", len(payload))
			}
		}
	})
}

// FuzzDecodeRequest fuzzes request decoding with arbitrary payloads
func FuzzDecodeRequest(f *testing.F) {
	f.Add([]byte(`{"action":"register","username":"alice","password":"pw"}`))
	f.Add([]byte(`{"action":"contacts","contact_action":"history","contact_username":"bob"}`))
	f.Add([]byte(`{"action":"file","receiver":"bob","file_name":"a.txt","file_data":"aGk="}`))
	f.Add([]byte(`not json`))

	f.Fuzz(func(t *testing.T, data []byte) {
		req, err := DecodeRequest(data)
		if err == nil && req == nil {
			t.Fatalf("nil request without error")
		}
	})
}
