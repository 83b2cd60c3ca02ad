package contentstore

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Sharding geometry and the size at which ShardedStore starts splitting.
const (
	DefaultShardThreshold = 1 << 20 // 1 MB
	defaultDataShards     = 4
	defaultParityShards   = 2
)

// Manifest records how a large payload was split into Reed-Solomon shards.
// The manifest itself is stored as a blob; fetching the payload needs only
// the manifest's CID and any dataShards of the listed shards.
type Manifest struct {
	PayloadCID   CID   `json:"payload_cid"` // CID of the original payload
	PayloadSize  int   `json:"payload_size"`
	DataShards   int   `json:"data_shards"`
	ParityShards int   `json:"parity_shards"`
	Shards       []CID `json:"shards"` // data shards first, then parity
}

// valid reports whether the manifest's geometry is internally consistent.
func (m Manifest) valid() bool {
	return m.DataShards > 0 && m.ParityShards >= 0 && m.PayloadSize > 0 &&
		len(m.Shards) == m.DataShards+m.ParityShards && m.PayloadCID != ""
}

// reassemble fetches the manifest's shards from the store and rebuilds the
// payload. Missing shards are tolerated up to the parity budget; the result
// is trimmed to the recorded size (Reed-Solomon pads the final shard) and
// verified against the payload CID.
func (m Manifest) reassemble(s Store) ([]byte, error) {
	enc, err := reedsolomon.New(m.DataShards, m.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("reed-solomon decoder: %w", err)
	}

	shards := make([][]byte, len(m.Shards))
	for i, cid := range m.Shards {
		data, err := s.Get(cid)
		if err != nil {
			continue // lost shard, reconstruction may still succeed
		}
		shards[i] = data
	}
	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("reconstruct payload: %w", err)
	}
	if ok, err := enc.Verify(shards); err != nil || !ok {
		return nil, fmt.Errorf("shard verification failed after reconstruction: %v", err)
	}

	var buf bytes.Buffer
	buf.Grow(m.PayloadSize)
	for i := 0; i < m.DataShards; i++ {
		buf.Write(shards[i])
	}
	if m.PayloadSize > buf.Len() {
		return nil, fmt.Errorf("payload size %d exceeds reconstructed length %d", m.PayloadSize, buf.Len())
	}
	payload := buf.Bytes()[:m.PayloadSize]
	if ComputeCID(payload) != m.PayloadCID {
		return nil, fmt.Errorf("reconstructed payload does not match manifest CID")
	}
	return payload, nil
}

// PutSharded stores a payload as erasure-coded shards plus a manifest, and
// returns the manifest's CID. Distribution of individual shards to other
// peers happens above this layer; locally every shard lands in the store.
func PutSharded(s Store, data []byte, dataShards, parityShards int) (CID, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return "", fmt.Errorf("reed-solomon encoder: %w", err)
	}
	shards, err := enc.Split(data)
	if err != nil {
		return "", fmt.Errorf("split payload: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return "", fmt.Errorf("encode parity: %w", err)
	}

	m := Manifest{
		PayloadCID:   ComputeCID(data),
		PayloadSize:  len(data),
		DataShards:   dataShards,
		ParityShards: parityShards,
		Shards:       make([]CID, 0, len(shards)),
	}
	for _, shard := range shards {
		cid, err := s.Put(shard)
		if err != nil {
			return "", fmt.Errorf("store shard: %w", err)
		}
		m.Shards = append(m.Shards, cid)
	}

	manifestBytes, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	return s.Put(manifestBytes)
}

// GetSharded fetches a manifest and reconstructs its payload.
func GetSharded(s Store, manifestCID CID) ([]byte, error) {
	manifestBytes, err := s.Get(manifestCID)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(manifestBytes, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if !m.valid() {
		return nil, fmt.Errorf("manifest %s: inconsistent shard geometry", manifestCID)
	}
	return m.reassemble(s)
}

// ShardedStore wraps a Store and erasure-codes payloads at or above a size
// threshold: Put stores such payloads as shards plus a manifest whose CID
// becomes the blob's id, and Get transparently reassembles them. Payloads
// below the threshold pass straight through, so the wrapper satisfies Store
// and can sit in front of any consumer.
//
// Sharded entries are recognized on Get by decoding a stored blob as a
// strict, internally consistent Manifest. Direct payloads large enough to be
// confused with one are sharded at Put time, so they are never stored raw.
type ShardedStore struct {
	inner        Store
	threshold    int
	dataShards   int
	parityShards int
}

// NewShardedStore wraps inner with the given split threshold in bytes;
// threshold <= 0 selects DefaultShardThreshold.
func NewShardedStore(inner Store, threshold int) *ShardedStore {
	if threshold <= 0 {
		threshold = DefaultShardThreshold
	}
	return &ShardedStore{
		inner:        inner,
		threshold:    threshold,
		dataShards:   defaultDataShards,
		parityShards: defaultParityShards,
	}
}

func (s *ShardedStore) Put(data []byte) (CID, error) {
	if len(data) < s.threshold {
		return s.inner.Put(data)
	}
	return PutSharded(s.inner, data, s.dataShards, s.parityShards)
}

func (s *ShardedStore) Get(id CID) ([]byte, error) {
	data, err := s.inner.Get(id)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Manifest
	if err := dec.Decode(&m); err != nil || !m.valid() {
		return data, nil // a direct blob, not a manifest
	}
	return m.reassemble(s.inner)
}
