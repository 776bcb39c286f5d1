package payments

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"

	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// paymentsBucket maps payment ids to their tlv envelope.
	paymentsBucket = []byte("payments")

	// paymentsIndexBucket maps sequence numbers to payment ids, giving a
	// stable creation order for range queries.
	paymentsIndexBucket = []byte("payments-index")

	// pendingBucket holds the ids of unfinalized payments.
	pendingBucket = []byte("payments-pending")

	byteOrder = binary.BigEndian
)

// Query is a range query over the payment ledger in creation order.
type Query struct {
	// IndexOffset is the exclusive sequence number to start after (or
	// before, if Reversed). Zero starts at the beginning (or end).
	IndexOffset uint64

	// MaxPayments is the maximum number of payments returned. Zero means
	// no limit.
	MaxPayments uint64

	// Reversed queries from newest to oldest.
	Reversed bool
}

// Response is the result of a Query.
type Response struct {
	// Payments are ordered oldest first, also for reversed queries.
	Payments []Payment

	// FirstIndexOffset is the sequence number of the first payment
	// returned.
	FirstIndexOffset uint64

	// LastIndexOffset is the sequence number of the last payment
	// returned.
	LastIndexOffset uint64
}

// Store is the durable copy of the payment ledger.
type Store interface {
	// PutPayment inserts or replaces a payment.
	PutPayment(ctx context.Context, p Payment) error

	// FetchPayment returns a single payment or ErrPaymentNotFound.
	FetchPayment(ctx context.Context, id ID) (Payment, error)

	// FetchPending returns every unfinalized payment.
	FetchPending(ctx context.Context) ([]Payment, error)

	// FetchFinalized returns the status of every finalized payment.
	FetchFinalized(ctx context.Context) (map[ID]Status, error)

	// QueryPayments returns a page of payments.
	QueryPayments(ctx context.Context, q Query) (Response, error)
}

// KVStore is a Store backed by a kvdb backend.
type KVStore struct {
	db kvdb.Backend

	// encrypter seals records at rest. Without one, records are stored
	// as plain tlv envelopes.
	encrypter *Encrypter
}

// KVStoreOption modifies a KVStore.
type KVStoreOption func(*KVStore)

// WithEncrypter encrypts every record written by the store. Plaintext
// records written before encryption was enabled stay readable and are
// encrypted when next updated.
func WithEncrypter(e *Encrypter) KVStoreOption {
	return func(s *KVStore) {
		s.encrypter = e
	}
}

// A compile time check to ensure KVStore implements Store.
var _ Store = (*KVStore)(nil)

// NewKVStore creates the payment buckets if needed and returns a KVStore.
func NewKVStore(db kvdb.Backend, opts ...KVStoreOption) (*KVStore, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		buckets := [][]byte{
			paymentsBucket, paymentsIndexBucket, pendingBucket,
		}
		for _, bucket := range buckets {
			_, err := tx.CreateTopLevelBucket(bucket)
			if err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("unable to create payment buckets: %w",
			err)
	}

	s := &KVStore{db: db}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// OpenBoltBackend opens the bbolt database file holding the payment ledger.
func OpenBoltBackend(dir, fileName string) (kvdb.Backend, error) {
	return kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:            filepath.Clean(dir),
		DBFileName:        fileName,
		NoFreelistSync:    true,
		AutoCompact:       false,
		AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
		DBTimeout:         kvdb.DefaultDBTimeout,
	})
}

// PutPayment inserts or replaces a payment. A new payment is assigned the
// next sequence number.
func (s *KVStore) PutPayment(_ context.Context, p Payment) error {
	key := p.ID().key()

	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		payments := tx.ReadWriteBucket(paymentsBucket)
		index := tx.ReadWriteBucket(paymentsIndexBucket)
		pending := tx.ReadWriteBucket(pendingBucket)
		if payments == nil || index == nil || pending == nil {
			return ErrNoPaymentsCreated
		}

		var seqNum uint64
		if existing := payments.Get(key); existing != nil {
			_, seq, err := s.decode(key, existing)
			if err != nil {
				return err
			}
			seqNum = seq
		} else {
			seq, err := payments.NextSequence()
			if err != nil {
				return err
			}
			seqNum = seq

			var seqKey [8]byte
			byteOrder.PutUint64(seqKey[:], seqNum)
			if err := index.Put(seqKey[:], key); err != nil {
				return err
			}
		}

		data, err := s.encode(key, p, seqNum)
		if err != nil {
			return err
		}
		if err := payments.Put(key, data); err != nil {
			return err
		}

		if p.Status().IsFinal() {
			return pending.Delete(key)
		}

		return pending.Put(key, []byte{})
	}, func() {})
}

// FetchPayment returns a single payment.
func (s *KVStore) FetchPayment(_ context.Context, id ID) (Payment, error) {
	var p Payment
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		payments := tx.ReadBucket(paymentsBucket)
		if payments == nil {
			return ErrNoPaymentsCreated
		}

		data := payments.Get(id.key())
		if data == nil {
			return ErrPaymentNotFound
		}

		var err error
		p, _, err = s.decode(id.key(), data)

		return err
	}, func() {
		p = nil
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

// FetchPending returns every unfinalized payment.
func (s *KVStore) FetchPending(_ context.Context) ([]Payment, error) {
	var result []Payment
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		payments := tx.ReadBucket(paymentsBucket)
		pending := tx.ReadBucket(pendingBucket)
		if payments == nil || pending == nil {
			return ErrNoPaymentsCreated
		}

		return pending.ForEach(func(k, _ []byte) error {
			data := payments.Get(k)
			if data == nil {
				return fmt.Errorf("pending payment %x has no "+
					"record", k)
			}

			p, _, err := s.decode(k, data)
			if err != nil {
				return err
			}
			result = append(result, p)

			return nil
		})
	}, func() {
		result = nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// FetchFinalized returns the status of every finalized payment.
func (s *KVStore) FetchFinalized(_ context.Context) (map[ID]Status, error) {
	finalized := make(map[ID]Status)
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		payments := tx.ReadBucket(paymentsBucket)
		pending := tx.ReadBucket(pendingBucket)
		if payments == nil || pending == nil {
			return ErrNoPaymentsCreated
		}

		return payments.ForEach(func(k, v []byte) error {
			if pending.Get(k) != nil {
				return nil
			}

			id, err := idFromKey(k)
			if err != nil {
				return err
			}

			p, _, err := s.decode(k, v)
			if err != nil {
				return err
			}
			finalized[id] = p.Status()

			return nil
		})
	}, func() {
		finalized = make(map[ID]Status)
	})
	if err != nil {
		return nil, err
	}

	return finalized, nil
}

// QueryPayments returns a page of payments in creation order.
func (s *KVStore) QueryPayments(_ context.Context, q Query) (Response,
	error) {

	var resp Response
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		payments := tx.ReadBucket(paymentsBucket)
		index := tx.ReadBucket(paymentsIndexBucket)
		if payments == nil || index == nil {
			return ErrNoPaymentsCreated
		}

		fetch := func(seqKey, idKey []byte) (bool, error) {
			data := payments.Get(idKey)
			if data == nil {
				return false, fmt.Errorf("index entry %x has "+
					"no payment", seqKey)
			}

			p, _, err := s.decode(idKey, data)
			if err != nil {
				return false, err
			}
			resp.Payments = append(resp.Payments, p)

			seqNum := byteOrder.Uint64(seqKey)
			if len(resp.Payments) == 1 {
				resp.FirstIndexOffset = seqNum
			}
			resp.LastIndexOffset = seqNum

			return true, nil
		}

		maxPayments := q.MaxPayments
		if maxPayments == 0 {
			maxPayments = math.MaxUint64
		}

		paginator := newPaginator(
			index.ReadCursor(), q.Reversed, q.IndexOffset,
			maxPayments,
		)

		return paginator.query(fetch)
	}, func() {
		resp = Response{}
	})
	if err != nil {
		return Response{}, err
	}

	// Reversed pages are returned oldest first.
	if q.Reversed {
		n := len(resp.Payments)
		for i := 0; i < n/2; i++ {
			resp.Payments[i], resp.Payments[n-1-i] =
				resp.Payments[n-1-i], resp.Payments[i]
		}
		resp.FirstIndexOffset, resp.LastIndexOffset =
			resp.LastIndexOffset, resp.FirstIndexOffset
	}

	return resp, nil
}

// encode serializes a payment stored under key, sealing it if the store
// encrypts.
func (s *KVStore) encode(key []byte, p Payment, seqNum uint64) ([]byte,
	error) {

	data, err := serializePayment(p, seqNum)
	if err != nil {
		return nil, err
	}

	if s.encrypter == nil {
		return data, nil
	}

	return s.encrypter.seal(key, data)
}

// decode reverses encode.
func (s *KVStore) decode(key, data []byte) (Payment, uint64, error) {
	if isSealed(data) {
		if s.encrypter == nil {
			return nil, 0, ErrSealedRecord
		}

		var err error
		data, err = s.encrypter.open(key, data)
		if err != nil {
			return nil, 0, err
		}
	}

	return deserializePayment(data)
}
