package settlement

import "encoding/json"

func encodeCheckpoint(c CheckpointRecord) ([]byte, error) {
	return json.Marshal(c)
}

func decodeCheckpoint(b []byte) (CheckpointRecord, error) {
	var c CheckpointRecord
	err := json.Unmarshal(b, &c)
	return c, err
}

func encodeSnapshotBody(b SnapshotBody) []byte {
	data, err := json.Marshal(b)
	if err != nil {
		panic("settlement: marshal snapshot body: " + err.Error())
	}
	return data
}

func decodeSnapshotBody(data []byte) (SnapshotBody, error) {
	var b SnapshotBody
	err := json.Unmarshal(data, &b)
	return b, err
}
