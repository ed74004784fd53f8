// Package domain holds the entities of the vending pipeline and the state
// transitions allowed on them.
package domain

import "time"

// Client is a water utility tenant. It owns meters, customers and payments,
// and carries the vendor account used to vend on its behalf.
type Client struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	PaybillNumber         string    `json:"paybill_number"`
	StronpowerCompanyName string    `json:"-"`
	StronpowerUsername    string    `json:"-"`
	StronpowerPassword    string    `json:"-"`
	IsActive              bool      `json:"is_active"`
	CreatedAt             time.Time `json:"created_at"`
}

// MeterStatus represents the status of a meter
type MeterStatus string

const (
	MeterActive   MeterStatus = "active"
	MeterInactive MeterStatus = "inactive"
	MeterFaulty   MeterStatus = "faulty"
)

// Meter is a prepaid water meter. MeterID is the vendor-side serial and the
// account reference customers type when paying.
type Meter struct {
	ID        string      `json:"id"`
	ClientID  string      `json:"client_id"`
	MeterID   string      `json:"meter_id"`
	Status    MeterStatus `json:"status"`
	Location  string      `json:"location,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Customer is a consumer registered under a client. CustomerID is the
// vendor-side customer reference.
type Customer struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	CustomerID string    `json:"customer_id"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone"`
	Email      string    `json:"email,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MeterAssignment binds a customer to a meter. At most one active
// assignment may exist per (meter, customer) pair.
type MeterAssignment struct {
	ID            string     `json:"id"`
	MeterID       string     `json:"meter_id"`
	CustomerID    string     `json:"customer_id"`
	IsActive      bool       `json:"is_active"`
	AssignedOn    time.Time  `json:"assigned_on"`
	DeactivatedOn *time.Time `json:"deactivated_on,omitempty"`
}
