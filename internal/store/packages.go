package store

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vbmedia/packline/internal/model"
)

// ErrNotFound is returned when the requested package does not exist.
var ErrNotFound = fmt.Errorf("package not found")

const sessionTokenLength = 16

// CreatePackage persists a new package and assigns its sequence ID. Sequence
// IDs preserve submission order, which duplicate detection relies on.
func (s *Store) CreatePackage(p *model.Package) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		p.ID = id
		if p.SubmittedAt.IsZero() {
			p.SubmittedAt = time.Now()
		}
		return putJSON(b, u64key(id), p)
	})
}

// GetPackage retrieves a package by ID.
func (s *Store) GetPackage(id uint64) (*model.Package, error) {
	var p *model.Package
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPackages).Get(u64key(id))
		if data == nil {
			return ErrNotFound
		}
		p = &model.Package{}
		return json.Unmarshal(data, p)
	})
	return p, err
}

// UpdatePackage applies mutate to the stored package inside one transaction
// and returns the updated snapshot. This is the only mutation path, so callers
// never work from a stale in-memory copy.
func (s *Store) UpdatePackage(id uint64, mutate func(*model.Package) error) (*model.Package, error) {
	var p *model.Package
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		data := b.Get(u64key(id))
		if data == nil {
			return ErrNotFound
		}
		p = &model.Package{}
		if err := json.Unmarshal(data, p); err != nil {
			return err
		}
		if err := mutate(p); err != nil {
			return err
		}
		return putJSON(b, u64key(id), p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SetStatus updates the package status and returns the new snapshot.
func (s *Store) SetStatus(id uint64, status model.Status) (*model.Package, error) {
	return s.UpdatePackage(id, func(p *model.Package) error {
		p.Status = status
		return nil
	})
}

// ClaimSession implements the session fencing protocol. Inside one
// transaction: a package without a session adopts the incoming token (or a
// fresh one when the caller has none yet) and that token is returned; a
// package already owned by the incoming session returns it unchanged; a
// package owned by a different session returns "" and must not be touched by
// the caller.
func (s *Store) ClaimSession(id uint64, incoming string) (string, error) {
	session := incoming
	if session == "" {
		session = newSessionToken()
	}

	var granted string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPackages)
		data := b.Get(u64key(id))
		if data == nil {
			return ErrNotFound
		}
		var p model.Package
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}

		switch p.Session {
		case "":
			p.Session = session
			granted = session
			return putJSON(b, u64key(id), &p)
		case incoming:
			granted = incoming
			return nil
		default:
			granted = ""
			return nil
		}
	})
	return granted, err
}

// ClearSession releases the package for other processing chains.
func (s *Store) ClearSession(id uint64) error {
	_, err := s.UpdatePackage(id, func(p *model.Package) error {
		p.Session = ""
		return nil
	})
	return err
}

const sessionAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func newSessionToken() string {
	token := make([]byte, sessionTokenLength)
	for i := range token {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(sessionAlphabet))))
		if err != nil {
			panic(err) // crypto/rand failure is unrecoverable
		}
		token[i] = sessionAlphabet[n.Int64()]
	}
	return string(token)
}

// AddImage attaches an image to its package.
func (s *Store) AddImage(img *model.PackageImage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		img.ID = id
		return putJSON(b, childKey(img.PackageID, id), img)
	})
}

// UpdateImage rewrites a stored image record.
func (s *Store) UpdateImage(img *model.PackageImage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketImages), childKey(img.PackageID, img.ID), img)
	})
}

// Images returns the package's images ordered by position.
func (s *Store) Images(packageID uint64) ([]*model.PackageImage, error) {
	var images []*model.PackageImage
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketImages).Cursor()
		prefix := u64key(packageID)
		for k, v := c.Seek(prefix); k != nil && parseU64Key(k) == packageID; k, v = c.Next() {
			var img model.PackageImage
			if err := json.Unmarshal(v, &img); err != nil {
				continue
			}
			images = append(images, &img)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].Position < images[j].Position
	})
	return images, nil
}

// Thumbnail returns the image marked as the package thumbnail, or nil.
func (s *Store) Thumbnail(packageID uint64) (*model.PackageImage, error) {
	images, err := s.Images(packageID)
	if err != nil {
		return nil, err
	}
	for _, img := range images {
		if img.IsThumbnail {
			return img, nil
		}
	}
	return nil, nil
}

// SetThumbnail marks one image as the package thumbnail and clears the flag
// on every other image in the same transaction, so at most one thumbnail
// exists at any observable point.
func (s *Store) SetThumbnail(packageID, imageID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		c := b.Cursor()
		prefix := u64key(packageID)
		var found bool
		for k, v := c.Seek(prefix); k != nil && parseU64Key(k) == packageID; k, v = c.Next() {
			var img model.PackageImage
			if err := json.Unmarshal(v, &img); err != nil {
				continue
			}
			want := img.ID == imageID
			if want {
				found = true
			}
			if img.IsThumbnail != want {
				img.IsThumbnail = want
				if err := putJSON(b, append([]byte{}, k...), &img); err != nil {
					return err
				}
			}
		}
		if !found {
			return fmt.Errorf("image %d does not belong to package %d", imageID, packageID)
		}
		return nil
	})
}

// DeletePackage removes a package with all of its images, events and emails.
// Files on disk are the caller's problem.
func (s *Store) DeletePackage(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketPackages).Delete(u64key(id)); err != nil {
			return err
		}
		for _, name := range [][]byte{bucketImages, bucketEvents, bucketEmails} {
			b := tx.Bucket(name)
			c := b.Cursor()
			prefix := u64key(id)
			for k, _ := c.Seek(prefix); k != nil && parseU64Key(k) == id; k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ListByStatus returns packages currently in the given status, in ID order.
func (s *Store) ListByStatus(status model.Status) ([]*model.Package, error) {
	var packages []*model.Package
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPackages).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var p model.Package
			if err := json.Unmarshal(v, &p); err != nil {
				continue
			}
			if p.Status == status {
				packages = append(packages, &p)
			}
		}
		return nil
	})
	return packages, err
}

// StatusCounts returns how many packages sit in each status.
func (s *Store) StatusCounts() (map[model.Status]int, error) {
	counts := make(map[model.Status]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPackages).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var p model.Package
			if err := json.Unmarshal(v, &p); err != nil {
				continue
			}
			counts[p.Status]++
		}
		return nil
	})
	return counts, err
}

// IsDuplicate reports whether the package looks like a re-submission of an
// earlier one: same company, campaign, contact and recipient coordinates,
// and a first photo of the same byte size. The byte-size comparison is a
// heuristic inherited from the mobile intake app's double-submit bug.
func (s *Store) IsDuplicate(p *model.Package) (bool, error) {
	firstSize, ok, err := s.firstImageSize(p.ID)
	if err != nil || !ok {
		return false, err
	}

	var candidates []uint64
	err = s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPackages).Cursor()
		for k, v := c.First(); k != nil && parseU64Key(k) < p.ID; k, v = c.Next() {
			var candidate model.Package
			if err := json.Unmarshal(v, &candidate); err != nil {
				continue
			}
			if candidate.Status == model.StatusDuplicate {
				continue
			}
			if candidate.CompanyID == p.CompanyID &&
				candidate.CampaignID == p.CampaignID &&
				candidate.ContactID == p.ContactID &&
				candidate.RecipientEmail == p.RecipientEmail &&
				candidate.RecipientPhone == p.RecipientPhone {
				candidates = append(candidates, candidate.ID)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	for _, id := range candidates {
		size, ok, err := s.firstImageSize(id)
		if err != nil {
			return false, err
		}
		if ok && size == firstSize {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) firstImageSize(packageID uint64) (int64, bool, error) {
	images, err := s.Images(packageID)
	if err != nil || len(images) == 0 {
		return 0, false, err
	}
	return images[0].Size, true, nil
}

// ReserveLandingKey atomically records a landing page key, failing if it is
// already taken by another package.
func (s *Store) ReserveLandingKey(key string, packageID uint64) (bool, error) {
	var reserved bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLandingKeys)
		if b.Get([]byte(key)) != nil {
			return nil
		}
		reserved = true
		return b.Put([]byte(key), u64key(packageID))
	})
	return reserved, err
}

// FindByLandingKey resolves a landing page key to its package.
func (s *Store) FindByLandingKey(key string) (*model.Package, error) {
	var id uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLandingKeys).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		id = parseU64Key(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetPackage(id)
}
