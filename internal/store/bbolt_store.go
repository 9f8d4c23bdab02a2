package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"sheetkey-license-bot/internal/license"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	bucketSessions   = "sessions"
	bucketCodes      = "session_codes"
	bucketIdentities = "session_identities"
	bucketLicenses   = "licenses"
	bucketOtps       = "otps"
)

var allBuckets = []string{bucketSessions, bucketCodes, bucketIdentities, bucketLicenses, bucketOtps}

type BBoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BBoltStore)(nil)

func OpenBBolt(path string) (*BBoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	st := &BBoltStore{db: db}
	if err := st.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *BBoltStore) Close() error { return s.db.Close() }

func (s *BBoltStore) IssueSession(ctx context.Context, identity string, now time.Time, fn IssueFunc) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	var out Session
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var (
			prev             *Session
			prevID, prevCode string
		)
		if id := tx.Bucket([]byte(bucketIdentities)).Get([]byte(identity)); id != nil {
			p, err := getSession(tx, string(id))
			if err != nil {
				return err
			}
			// fn may mutate *prev, so compare against copies taken before the call
			prev, prevID, prevCode = &p, p.ID, p.ReferenceCode
		}
		next, err := fn(prev)
		if err != nil {
			return err
		}
		if next == nil {
			return fmt.Errorf("issue session: callback returned no session")
		}
		next.ChatIdentity = identity
		if prev != nil && next.ID == prevID {
			if next.ReferenceCode != prevCode {
				return fmt.Errorf("issue session: reference code of an existing session cannot change")
			}
			out = *next
			return putSession(tx, *next)
		}

		codes := tx.Bucket([]byte(bucketCodes))
		if id := codes.Get([]byte(next.ReferenceCode)); id != nil {
			holder, err := getSession(tx, string(id))
			if err != nil {
				return err
			}
			if !holder.Expired(now) {
				return ErrCodeTaken
			}
		}
		next.ID = uuid.NewString()
		if err := putSession(tx, *next); err != nil {
			return err
		}
		if err := codes.Put([]byte(next.ReferenceCode), []byte(next.ID)); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(bucketIdentities)).Put([]byte(identity), []byte(next.ID)); err != nil {
			return err
		}
		out = *next
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return out, nil
}

func (s *BBoltStore) SessionByCode(ctx context.Context, code string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	var out Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		sess, err := sessionByCode(tx, code)
		out = sess
		return err
	})
	return out, err
}

func (s *BBoltStore) SessionByIdentity(ctx context.Context, identity string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	var out Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(bucketIdentities)).Get([]byte(identity))
		if id == nil {
			return ErrNotFound
		}
		sess, err := getSession(tx, string(id))
		out = sess
		return err
	})
	return out, err
}

func (s *BBoltStore) UpdateSession(ctx context.Context, code string, fn func(s *Session) error) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	var out Session
	err := s.db.Update(func(tx *bbolt.Tx) error {
		sess, err := sessionByCode(tx, code)
		if err != nil {
			return err
		}
		if err := fn(&sess); err != nil {
			return err
		}
		out = sess
		return putSession(tx, sess)
	})
	if err != nil {
		return Session{}, err
	}
	return out, nil
}

func (s *BBoltStore) CompleteSession(ctx context.Context, code string, fn func(s *Session) (*License, error)) (Session, License, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, License{}, err
	}
	var (
		outSess Session
		outLic  License
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		sess, err := sessionByCode(tx, code)
		if err != nil {
			return err
		}
		tmpl, err := fn(&sess)
		if err != nil {
			return err
		}
		if tmpl != nil {
			lic, err := insertLicense(tx, *tmpl)
			if err != nil {
				return err
			}
			sess.LicenseNo = lic.LicenseNo
			outLic = lic
		}
		outSess = sess
		return putSession(tx, sess)
	})
	if err != nil {
		return Session{}, License{}, err
	}
	return outSess, outLic, nil
}

func (s *BBoltStore) CreateLicense(ctx context.Context, lic License) (License, error) {
	if err := ctx.Err(); err != nil {
		return License{}, err
	}
	var out License
	err := s.db.Update(func(tx *bbolt.Tx) error {
		created, err := insertLicense(tx, lic)
		out = created
		return err
	})
	if err != nil {
		return License{}, err
	}
	return out, nil
}

func (s *BBoltStore) GetLicense(ctx context.Context, licenseNo string) (License, error) {
	if err := ctx.Err(); err != nil {
		return License{}, err
	}
	var out License
	err := s.db.View(func(tx *bbolt.Tx) error {
		lic, err := getLicense(tx, licenseNo)
		out = lic
		return err
	})
	return out, err
}

func (s *BBoltStore) ListLicenses(ctx context.Context) ([]License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []License
	if err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketLicenses))
		return b.ForEach(func(_, v []byte) error {
			var lic License
			if err := json.Unmarshal(v, &lic); err != nil {
				return err
			}
			out = append(out, lic)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].LicenseNo > out[j].LicenseNo
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *BBoltStore) UpdateLicense(ctx context.Context, licenseNo string, fn func(l *License) error) (License, error) {
	if err := ctx.Err(); err != nil {
		return License{}, err
	}
	var out License
	err := s.db.Update(func(tx *bbolt.Tx) error {
		lic, err := getLicense(tx, licenseNo)
		if err != nil {
			return err
		}
		if err := fn(&lic); err != nil {
			return err
		}
		out = lic
		return putLicense(tx, lic)
	})
	if err != nil {
		return License{}, err
	}
	return out, nil
}

func (s *BBoltStore) IssueOtp(ctx context.Context, code string, fn func(s *Session, prev *OtpChallenge) (*OtpChallenge, error)) (OtpChallenge, error) {
	if err := ctx.Err(); err != nil {
		return OtpChallenge{}, err
	}
	var out OtpChallenge
	err := s.db.Update(func(tx *bbolt.Tx) error {
		sess, err := sessionByCode(tx, code)
		if err != nil {
			return err
		}
		var prev *OtpChallenge
		if p, err := getOtp(tx, sess.ID); err == nil {
			prev = &p
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		next, err := fn(&sess, prev)
		if err != nil {
			return err
		}
		if next == nil {
			return fmt.Errorf("issue otp: callback returned no challenge")
		}
		next.SessionID = sess.ID
		next.ReferenceCode = sess.ReferenceCode
		out = *next
		return putOtp(tx, *next)
	})
	if err != nil {
		return OtpChallenge{}, err
	}
	return out, nil
}

func (s *BBoltStore) UpdateOtp(ctx context.Context, code string, fn func(s *Session, o *OtpChallenge) error) (OtpChallenge, error) {
	if err := ctx.Err(); err != nil {
		return OtpChallenge{}, err
	}
	var out OtpChallenge
	err := s.db.Update(func(tx *bbolt.Tx) error {
		sess, err := sessionByCode(tx, code)
		if err != nil {
			return err
		}
		otp, err := getOtp(tx, sess.ID)
		if err != nil {
			return err
		}
		if err := fn(&sess, &otp); err != nil {
			return err
		}
		if err := putSession(tx, sess); err != nil {
			return err
		}
		out = otp
		return putOtp(tx, otp)
	})
	if err != nil {
		return OtpChallenge{}, err
	}
	return out, nil
}

func sessionByCode(tx *bbolt.Tx, code string) (Session, error) {
	id := tx.Bucket([]byte(bucketCodes)).Get([]byte(code))
	if id == nil {
		return Session{}, ErrNotFound
	}
	sess, err := getSession(tx, string(id))
	if err != nil {
		return Session{}, err
	}
	if sess.ReferenceCode != code {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func getSession(tx *bbolt.Tx, id string) (Session, error) {
	v := tx.Bucket([]byte(bucketSessions)).Get([]byte(id))
	if v == nil {
		return Session{}, ErrNotFound
	}
	var sess Session
	if err := json.Unmarshal(v, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func putSession(tx *bbolt.Tx, sess Session) error {
	buf, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketSessions)).Put([]byte(sess.ID), buf)
}

func insertLicense(tx *bbolt.Tx, lic License) (License, error) {
	b := tx.Bucket([]byte(bucketLicenses))
	seq, err := b.NextSequence()
	if err != nil {
		return License{}, err
	}
	lic.LicenseNo = license.FormatLicenseNo(seq)
	if b.Get([]byte(lic.LicenseNo)) != nil {
		return License{}, fmt.Errorf("license %s already exists", lic.LicenseNo)
	}
	if lic.DeviceStatus == "" {
		lic.DeviceStatus = DeviceUnbound
	}
	if lic.Status == "" {
		lic.Status = LicensePending
	}
	return lic, putLicense(tx, lic)
}

func getLicense(tx *bbolt.Tx, licenseNo string) (License, error) {
	v := tx.Bucket([]byte(bucketLicenses)).Get([]byte(licenseNo))
	if v == nil {
		return License{}, ErrNotFound
	}
	var lic License
	if err := json.Unmarshal(v, &lic); err != nil {
		return License{}, err
	}
	return lic, nil
}

func putLicense(tx *bbolt.Tx, lic License) error {
	buf, err := json.Marshal(lic)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketLicenses)).Put([]byte(lic.LicenseNo), buf)
}

func getOtp(tx *bbolt.Tx, sessionID string) (OtpChallenge, error) {
	v := tx.Bucket([]byte(bucketOtps)).Get([]byte(sessionID))
	if v == nil {
		return OtpChallenge{}, ErrNotFound
	}
	var otp OtpChallenge
	if err := json.Unmarshal(v, &otp); err != nil {
		return OtpChallenge{}, err
	}
	return otp, nil
}

func putOtp(tx *bbolt.Tx, otp OtpChallenge) error {
	buf, err := json.Marshal(otp)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketOtps)).Put([]byte(otp.SessionID), buf)
}
