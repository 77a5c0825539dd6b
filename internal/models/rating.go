package models

import "time"

const (
	MinRating = 1
	MaxRating = 5
)

type Rating struct {
	ID             string    `json:"id"`
	TransactionID  string    `json:"transactionId"`
	RaterID        string    `json:"raterId"`
	RatedID        string    `json:"ratedId"`
	IsLenderRating bool      `json:"isLenderRating"`
	Rating         int       `json:"rating"`
	Comment        string    `json:"comment,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
