package idempotency

import (
	"context"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/hanko-field/fulfillment/internal/platform/firestore"
)

const defaultCollection = "idempotencyKeys"

// FirestoreStore keeps records in a Firestore collection so replays survive
// restarts and span instances.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

// NewFirestoreStore binds the store to collection, defaulting to idempotencyKeys.
func NewFirestoreStore(provider *pfirestore.Provider, collection string) *FirestoreStore {
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{provider: provider, collection: collection}
}

type firestoreRecord struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	Completed   bool                `firestore:"completed"`
	Status      int                 `firestore:"status"`
	Header      map[string][]string `firestore:"header"`
	Body        []byte              `firestore:"body"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	ExpiresAt   time.Time           `firestore:"expiresAt"`
}

func fromRecord(r Record) firestoreRecord {
	return firestoreRecord{
		Key:         r.Key,
		Fingerprint: r.Fingerprint,
		Completed:   r.Completed,
		Status:      r.Status,
		Header:      r.Header,
		Body:        r.Body,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

func (r firestoreRecord) record() Record {
	return Record{
		Key:         r.Key,
		Fingerprint: r.Fingerprint,
		Completed:   r.Completed,
		Status:      r.Status,
		Header:      http.Header(r.Header),
		Body:        r.Body,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
	}
}

func (s *FirestoreStore) doc(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(s.collection).Doc(documentID(key)), nil
}

func (s *FirestoreStore) Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Record, State, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref, err := s.doc(ctx, key)
	if err != nil {
		return Record{}, 0, err
	}
	var (
		out   Record
		state State
	)
	err = s.provider.RunTransaction(ctx, "idempotency.begin", func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var existing firestoreRecord
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			current := existing.record()
			if !current.expired(now) {
				if current.Fingerprint != fingerprint {
					return ErrFingerprintMismatch
				}
				out, state = current, StateInFlight
				if current.Completed {
					state = StateReplay
				}
				return nil
			}
		}
		out = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now, ExpiresAt: now.Add(ttl)}
		state = StateAcquired
		return tx.Set(ref, fromRecord(out))
	})
	if err != nil {
		return Record{}, 0, err
	}
	return out, state, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, record Record, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref, err := s.doc(ctx, record.Key)
	if err != nil {
		return err
	}
	record.Completed = true
	record.Header = storableHeader(record.Header)
	record.ExpiresAt = now.Add(ttl)
	_, err = ref.Set(ctx, fromRecord(record))
	return pfirestore.WrapError("idempotency.complete", err)
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return pfirestore.WrapError("idempotency.release", err)
	}
	return nil
}

func (s *FirestoreStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	docs, err := client.Collection(s.collection).Where("expiresAt", "<=", now).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.purge", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	writer := client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := writer.Delete(doc.Ref); err != nil {
			writer.End()
			return 0, pfirestore.WrapError("idempotency.purge", err)
		}
	}
	writer.End()
	return len(docs), nil
}
