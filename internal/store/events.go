package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vbmedia/packline/internal/model"
)

// AppendEvent records a package history event and, for engagement events,
// recomputes the denormalized counters on the package from the full event
// log. Counters only ever grow: recomputation takes the max of the stored
// value and the recount, so replayed or re-delivered events cannot shrink
// them.
func (s *Store) AppendEvent(e *model.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.ID = id
		if e.Time.IsZero() {
			e.Time = time.Now()
		}
		if err := putJSON(b, childKey(e.PackageID, id), e); err != nil {
			return err
		}

		switch e.Type {
		case model.EventVideo, model.EventVisit:
			return recountEngagement(tx, e.PackageID)
		}
		return nil
	})
}

// recountEngagement rebuilds the package counters from its event log inside
// the caller's transaction.
func recountEngagement(tx *bolt.Tx, packageID uint64) error {
	pb := tx.Bucket(bucketPackages)
	data := pb.Get(u64key(packageID))
	if data == nil {
		return ErrNotFound
	}
	var p model.Package
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var videoCount, viewedTime, shares int
	visits := map[string]int{}

	c := tx.Bucket(bucketEvents).Cursor()
	prefix := u64key(packageID)
	for k, v := c.Seek(prefix); k != nil && parseU64Key(k) == packageID; k, v = c.Next() {
		var e model.Event
		if err := json.Unmarshal(v, &e); err != nil {
			continue
		}
		switch e.Type {
		case model.EventVideo:
			videoCount++
			viewedTime += e.Duration
		case model.EventVisit:
			visits[e.Service]++
		case model.EventShare:
			shares++
		}
	}

	if videoCount > p.VideoViews {
		p.VideoViews = videoCount
	}
	if viewedTime > p.ViewedTime {
		p.ViewedTime = viewedTime
	}
	if shares > p.ShareCount {
		p.ShareCount = shares
	}
	for service, count := range visits {
		if p.VisitViews == nil {
			p.VisitViews = map[string]int{}
		}
		if count > p.VisitViews[service] {
			p.VisitViews[service] = count
		}
	}

	return putJSON(pb, u64key(packageID), &p)
}

// Events returns the package's history in append order.
func (s *Store) Events(packageID uint64) ([]*model.Event, error) {
	var events []*model.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		prefix := u64key(packageID)
		for k, v := c.Seek(prefix); k != nil && parseU64Key(k) == packageID; k, v = c.Next() {
			var e model.Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			events = append(events, &e)
		}
		return nil
	})
	return events, err
}

// LastErrorEvent returns the most recent error event for the package, or nil.
// The CLI surfaces it when explaining why a package stalled.
func (s *Store) LastErrorEvent(packageID uint64) (*model.Event, error) {
	events, err := s.Events(packageID)
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == model.EventError {
			return events[i], nil
		}
	}
	return nil, nil
}

// CreateEmail records an email produced for the package.
func (s *Store) CreateEmail(rec *model.EmailRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEmails)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.ID = id
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now()
		}
		return putJSON(b, childKey(rec.PackageID, id), rec)
	})
}

// HasEmail reports whether an email of the given type was already recorded
// for the package. Guards at-most-once notices.
func (s *Store) HasEmail(packageID uint64, emailType string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEmails).Cursor()
		prefix := u64key(packageID)
		for k, v := c.Seek(prefix); k != nil && parseU64Key(k) == packageID; k, v = c.Next() {
			var rec model.EmailRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Type == emailType {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}
