package storage

import (
	"database/sql"
	"time"
)

// --- Profiles ---

// GetProfile returns the profile for userID, or ErrNotFound.
func (s *Store) GetProfile(userID string) (Profile, error) {
	var p Profile
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT user_id, tier, stripe_customer_id, organization_id, created_at, updated_at
		FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.Tier, &p.StripeCustomerID, &p.OrganizationID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	if p.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Profile{}, err
	}
	if p.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// UpsertProfile creates or replaces the mutable fields of a profile.
func (s *Store) UpsertProfile(p Profile) error {
	now := formatTime(time.Now())
	if p.Tier == "" {
		p.Tier = "free"
	}
	_, err := s.db.Exec(`
		INSERT INTO profiles (user_id, tier, stripe_customer_id, organization_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			tier = excluded.tier,
			stripe_customer_id = excluded.stripe_customer_id,
			organization_id = excluded.organization_id,
			updated_at = excluded.updated_at`,
		p.UserID, p.Tier, p.StripeCustomerID, p.OrganizationID, now, now,
	)
	return err
}

func (s *Store) SetProfileTier(userID, tier string) error {
	return rowsAffected(s.db.Exec(`UPDATE profiles SET tier = ?, updated_at = ? WHERE user_id = ?`,
		tier, formatTime(time.Now()), userID))
}

func (s *Store) SetStripeCustomerID(userID, customerID string) error {
	return rowsAffected(s.db.Exec(`UPDATE profiles SET stripe_customer_id = ?, updated_at = ? WHERE user_id = ?`,
		customerID, formatTime(time.Now()), userID))
}

// --- Organizations ---

func (s *Store) SaveOrganization(o Organization) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO organizations (id, name, tier, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, tier = excluded.tier`,
		o.ID, o.Name, o.Tier, formatTime(o.CreatedAt),
	)
	return err
}

func (s *Store) GetOrganization(id string) (Organization, error) {
	var o Organization
	var createdAt string
	err := s.db.QueryRow(`SELECT id, name, tier, created_at FROM organizations WHERE id = ?`, id).
		Scan(&o.ID, &o.Name, &o.Tier, &createdAt)
	if err == sql.ErrNoRows {
		return Organization{}, ErrNotFound
	}
	if err != nil {
		return Organization{}, err
	}
	if o.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Organization{}, err
	}
	return o, nil
}

// --- Usage tracking ---

// IncrementUsage adds n to the counter of feature in period and returns the
// new value.
func (s *Store) IncrementUsage(userID, period, feature string, n int) (int, error) {
	var count int
	err := s.db.QueryRow(`
		INSERT INTO usage_tracking (user_id, period, feature, count) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, period, feature) DO UPDATE SET count = count + excluded.count
		RETURNING count`,
		userID, period, feature, n,
	).Scan(&count)
	return count, err
}

// GetUsage returns all counters of userID for period, keyed by feature.
func (s *Store) GetUsage(userID, period string) (map[string]int, error) {
	rows, err := s.db.Query(`SELECT feature, count FROM usage_tracking WHERE user_id = ? AND period = ?`, userID, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var f string
		var c int
		if err := rows.Scan(&f, &c); err != nil {
			return nil, err
		}
		result[f] = c
	}
	return result, rows.Err()
}

// GetProfileByCustomer looks a profile up by its Stripe customer id.
func (s *Store) GetProfileByCustomer(customerID string) (Profile, error) {
	var userID string
	err := s.db.QueryRow(`SELECT user_id FROM profiles WHERE stripe_customer_id = ? AND stripe_customer_id != ''`, customerID).Scan(&userID)
	if err == sql.ErrNoRows {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	return s.GetProfile(userID)
}
