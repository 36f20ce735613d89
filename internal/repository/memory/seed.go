package memory

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
	"github.com/pesio-ai/be-disbursement-flows/internal/repository"
)

// Seed is the YAML fixture loaded into the request and user stores when the service runs
// on memory storage.
type Seed struct {
	Users []struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		Role        string `yaml:"role"`
		Department  string `yaml:"department"`
		BadgeNumber string `yaml:"badge_number"`
		Email       string `yaml:"email"`
	} `yaml:"users"`
	Requests []struct {
		ID          string `yaml:"id"`
		RequesterID string `yaml:"requester_id"`
		Department  string `yaml:"department"`
		Status      string `yaml:"status"`
		Amount      int64  `yaml:"amount"`
		Currency    string `yaml:"currency"`
	} `yaml:"requests"`
}

// LoadSeed decodes a seed document and fills users and requests.
func LoadSeed(r io.Reader, users *UserStore, requests *RequestStore) error {
	var seed Seed
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil && err != io.EOF {
		return fmt.Errorf("decode seed: %w", err)
	}
	for _, u := range seed.Users {
		if u.ID == "" {
			return fmt.Errorf("seed user without id")
		}
		users.Put(repository.User{
			ID:          u.ID,
			Name:        u.Name,
			Role:        flow.UserRole(u.Role),
			Department:  u.Department,
			BadgeNumber: u.BadgeNumber,
			Email:       u.Email,
		})
	}
	for _, req := range seed.Requests {
		if req.ID == "" {
			return fmt.Errorf("seed request without id")
		}
		status := req.Status
		if status == "" {
			status = "draft"
		}
		requests.Put(repository.Request{
			ID:          req.ID,
			RequesterID: req.RequesterID,
			Department:  req.Department,
			Status:      flow.RequestStatus(status),
			Amount:      req.Amount,
			Currency:    req.Currency,
		})
	}
	return nil
}
