package history

import (
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type DBMessage struct {
	ID          string         `msgpack:"id"`
	RoomID      string         `msgpack:"roomId"`
	UserID      string         `msgpack:"userId"`
	Content     string         `msgpack:"content"`
	Kind        string         `msgpack:"kind"`
	Timestamp   int64          `msgpack:"timestamp"`
	QuizContext []byte         `msgpack:"quizContext"`
	Attachments []DBAttachment `msgpack:"attachments"`
}

type DBAttachment struct {
	Type     string `msgpack:"type"`
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	FileID   string `msgpack:"fileId"`
}

// Key orders messages by creation time with the durable id as tiebreaker.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.Timestamp))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}
