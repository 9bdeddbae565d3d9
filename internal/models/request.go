package models

import (
	"fmt"
	"strconv"
)

// ModeRequest switches the balancer mode
type ModeRequest struct {
	Mode string `json:"mode" validate:"required,oneof=none crush-compat upmap reweight"`
}

// Validate checks the request fields
func (r *ModeRequest) Validate() error {
	if r.Mode == "" {
		return fmt.Errorf("mode is required")
	}
	return nil
}

// ReweightRequest sets the admin weight of every device of a class
type ReweightRequest struct {
	Class  string   `json:"class" validate:"required"`
	Weight *float64 `json:"weight" validate:"required,min=0,max=1"`
}

// Validate checks the request fields. The weight range is checked by the
// balancer.
func (r *ReweightRequest) Validate() error {
	if r.Class == "" {
		return fmt.Errorf("class is required")
	}
	if r.Weight == nil {
		return fmt.Errorf("weight is required")
	}
	return nil
}

// SettingRequest sets one runtime option. Value accepts a JSON string,
// number or boolean.
type SettingRequest struct {
	Value interface{} `json:"value" validate:"required"`
}

// String renders the value the way settings store it
func (r *SettingRequest) String() (string, error) {
	switch v := r.Value.(type) {
	case string:
		return v, nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case nil:
		return "", fmt.Errorf("value is required")
	}
	return "", fmt.Errorf("value must be a string, number or boolean")
}
