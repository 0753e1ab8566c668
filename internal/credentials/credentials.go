// Package credentials resolves the Cloud API credentials of a company
// channel.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

var ErrUnknownChannel = errors.New("credentials: unknown company channel")

// Channel is what the gateway needs to send on behalf of a channel.
type Channel struct {
	CompanyPhoneID int64  `db:"id"`
	CompanyID      int64  `db:"company_id"`
	PhoneNumberID  string `db:"phone_number_id"`
	AccessToken    string `db:"access_token"`
}

// Store reads company_phones and keeps hits for ttl.
type Store struct {
	db    *sqlx.DB
	cache *cache.Cache
}

func NewStore(db *sqlx.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{db: db, cache: cache.New(ttl, 2*ttl)}
}

func (s *Store) Lookup(ctx context.Context, companyPhoneID int64) (Channel, error) {
	key := strconv.FormatInt(companyPhoneID, 10)
	if v, found := s.cache.Get(key); found {
		return v.(Channel), nil
	}

	var ch Channel
	err := s.db.GetContext(ctx, &ch, s.db.Rebind(
		`SELECT id, company_id, phone_number_id, access_token FROM company_phones WHERE id = ?`),
		companyPhoneID)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, fmt.Errorf("company phone %d: %w", companyPhoneID, ErrUnknownChannel)
	}
	if err != nil {
		return Channel{}, fmt.Errorf("lookup company phone %d: %w", companyPhoneID, err)
	}
	if ch.PhoneNumberID == "" || ch.AccessToken == "" {
		return Channel{}, fmt.Errorf("company phone %d has no Cloud API credentials: %w", companyPhoneID, ErrUnknownChannel)
	}

	s.cache.SetDefault(key, ch)
	log.Debug().Int64("companyPhoneID", companyPhoneID).Msg("Channel credentials cached")
	return ch, nil
}

// ResolvePhoneNumberID finds the channel that owns a Cloud API phone number
// id, as reported in webhook metadata.
func (s *Store) ResolvePhoneNumberID(ctx context.Context, phoneNumberID string) (Channel, error) {
	key := "pn:" + phoneNumberID
	if v, found := s.cache.Get(key); found {
		return v.(Channel), nil
	}

	var ch Channel
	err := s.db.GetContext(ctx, &ch, s.db.Rebind(
		`SELECT id, company_id, phone_number_id, access_token FROM company_phones WHERE phone_number_id = ? ORDER BY id LIMIT 1`),
		phoneNumberID)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, fmt.Errorf("phone number id %s: %w", phoneNumberID, ErrUnknownChannel)
	}
	if err != nil {
		return Channel{}, fmt.Errorf("resolve phone number id %s: %w", phoneNumberID, err)
	}

	s.cache.SetDefault(key, ch)
	return ch, nil
}

// Forget drops a cached channel, e.g. after its token was rotated.
func (s *Store) Forget(companyPhoneID int64) {
	s.cache.Delete(strconv.FormatInt(companyPhoneID, 10))
}
