package services

import (
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/guardline/guardline/internal/database"
)

// RegistryService manages devices and their trusted contacts
type RegistryService struct {
	db *gorm.DB
}

// NewRegistryService creates a new RegistryService
func NewRegistryService(db *gorm.DB) *RegistryService {
	return &RegistryService{db: db}
}

// ========== Device Operations ==========

// CreateDevice registers a new device and issues its ingest API key
func (s *RegistryService) CreateDevice(ownerID, name, phone string) (*database.Device, error) {
	if ownerID == "" {
		return nil, NewValidationError("owner_id", "is required")
	}

	device := &database.Device{
		ID:      uuid.New().String(),
		OwnerID: ownerID,
		Name:    name,
		Phone:   phone,
		APIKey:  uuid.New().String(),
	}
	if err := s.db.Create(device).Error; err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	log.Printf("Registered device %s for owner %s", device.ID, ownerID)
	return device, nil
}

// GetDevice retrieves a device by ID
func (s *RegistryService) GetDevice(deviceID string) (*database.Device, error) {
	var device database.Device
	err := s.db.First(&device, "id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// DeleteDevice removes a device and its contacts on owner request
func (s *RegistryService) DeleteDevice(deviceID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", deviceID).Delete(&database.Contact{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&database.Device{}, "id = ?", deviceID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrUnknownDevice
		}
		return nil
	})
}

// UpdateLocation records the last known location reported with an event
func (s *RegistryService) UpdateLocation(deviceID, location string) error {
	return s.db.Model(&database.Device{}).Where("id = ?", deviceID).
		Update("last_known_location", location).Error
}

// ========== Contact Operations ==========

// AddContact attaches a trusted contact to a device
func (s *RegistryService) AddContact(deviceID, name string, endpoints database.JSONB) (*database.Contact, error) {
	if name == "" {
		return nil, NewValidationError("name", "is required")
	}
	if _, err := s.GetDevice(deviceID); err != nil {
		return nil, err
	}
	for kind := range endpoints {
		if !database.ChannelKind(kind).IsValid() {
			return nil, NewValidationError("endpoints", fmt.Sprintf("unknown channel kind %q", kind))
		}
	}

	contact := &database.Contact{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Name:      name,
		Endpoints: endpoints,
		Active:    true,
	}
	if err := s.db.Create(contact).Error; err != nil {
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}
	return contact, nil
}

// RemoveContact detaches a contact from its device
func (s *RegistryService) RemoveContact(deviceID, contactID string) error {
	result := s.db.Where("device_id = ? AND id = ?", deviceID, contactID).Delete(&database.Contact{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateEndpoint sets or clears one channel destination on a contact.
// Last writer wins; the whole endpoint map is swapped in one update so a
// concurrent dispatch plan never observes a torn write.
func (s *RegistryService) UpdateEndpoint(deviceID, contactID string, kind database.ChannelKind, destination string) (*database.Contact, error) {
	if !kind.IsValid() {
		return nil, NewValidationError("channel_kind", fmt.Sprintf("unknown channel kind %q", kind))
	}

	var contact database.Contact
	err := s.db.First(&contact, "device_id = ? AND id = ?", deviceID, contactID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	endpoints := make(database.JSONB, len(contact.Endpoints)+1)
	for k, v := range contact.Endpoints {
		endpoints[k] = v
	}
	if destination == "" {
		delete(endpoints, string(kind))
	} else {
		endpoints[string(kind)] = destination
	}

	if err := s.db.Model(&contact).Update("endpoints", endpoints).Error; err != nil {
		return nil, err
	}
	contact.Endpoints = endpoints
	return &contact, nil
}

// ListContacts returns all contacts of a device in insertion order
func (s *RegistryService) ListContacts(deviceID string) ([]database.Contact, error) {
	var contacts []database.Contact
	err := s.db.Where("device_id = ?", deviceID).
		Order("created_at ASC").
		Find(&contacts).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryLookup, err)
	}
	return contacts, nil
}

// ListActiveContacts returns contacts with active = true in insertion order.
// The dispatcher plans delivery from this snapshot.
func (s *RegistryService) ListActiveContacts(deviceID string) ([]database.Contact, error) {
	var contacts []database.Contact
	err := s.db.Where("device_id = ? AND active = ?", deviceID, true).
		Order("created_at ASC").
		Find(&contacts).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryLookup, err)
	}
	return contacts, nil
}
