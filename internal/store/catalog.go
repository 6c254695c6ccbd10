package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/vbmedia/packline/internal/model"
)

// The catalog side of the store holds the configuration entities the pipeline
// reads: campaigns, companies, contacts and the unsubscribe list.

// PutCampaign stores a campaign, assigning an ID if absent.
func (s *Store) PutCampaign(c *model.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketCampaigns), []byte(c.ID), c)
	})
}

// GetCampaign retrieves a campaign by ID. Returns nil if not found.
func (s *Store) GetCampaign(id string) (*model.Campaign, error) {
	var c *model.Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return nil
		}
		c = &model.Campaign{}
		return json.Unmarshal(data, c)
	})
	return c, err
}

// PutCompany stores a company, assigning an ID if absent.
func (s *Store) PutCompany(c *model.Company) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketCompanies), []byte(c.ID), c)
	})
}

// GetCompany retrieves a company by ID. Returns nil if not found.
func (s *Store) GetCompany(id string) (*model.Company, error) {
	var c *model.Company
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCompanies).Get([]byte(id))
		if data == nil {
			return nil
		}
		c = &model.Company{}
		return json.Unmarshal(data, c)
	})
	return c, err
}

// PutContact stores a contact, assigning an ID if absent.
func (s *Store) PutContact(c *model.Contact) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketContacts), []byte(c.ID), c)
	})
}

// GetContact retrieves a contact by ID. Returns nil if not found.
func (s *Store) GetContact(id string) (*model.Contact, error) {
	var c *model.Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContacts).Get([]byte(id))
		if data == nil {
			return nil
		}
		c = &model.Contact{}
		return json.Unmarshal(data, c)
	})
	return c, err
}

// GetOrCreateContact finds a contact by company and name, creating it when
// missing. Used to keep a reassigned package's contact consistent with its
// company.
func (s *Store) GetOrCreateContact(companyID, name string) (*model.Contact, error) {
	var found *model.Contact
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContacts)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var contact model.Contact
			if err := json.Unmarshal(v, &contact); err != nil {
				continue
			}
			if contact.CompanyID == companyID && contact.Name == name {
				found = &contact
				return nil
			}
		}

		found = &model.Contact{
			ID:        uuid.NewString(),
			CompanyID: companyID,
			Name:      name,
		}
		return putJSON(b, []byte(found.ID), found)
	})
	return found, err
}

// unsubscribeKey is scoped by company: an address may unsubscribe from one
// dealership's mail and keep receiving another's.
func unsubscribeKey(companyID, email string) []byte {
	return []byte(companyID + "|" + strings.ToLower(strings.TrimSpace(email)))
}

// AddUnsubscribe records that email opted out of companyID's communications.
func (s *Store) AddUnsubscribe(companyID, email string) error {
	if email == "" {
		return fmt.Errorf("empty email")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUnsubscribes).Put(unsubscribeKey(companyID, email), []byte("1"))
	})
}

// IsUnsubscribed reports whether email has opted out of companyID's mail.
func (s *Store) IsUnsubscribed(companyID, email string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketUnsubscribes).Get(unsubscribeKey(companyID, email)) != nil
		return nil
	})
	return found, err
}
