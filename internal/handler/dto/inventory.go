package dto

import (
	"time"

	"github.com/legacyvault/legacyvault/internal/model"
)

// CreateAssetRequest represents the request body for creating an asset.
type CreateAssetRequest struct {
	AssetRef     string `json:"asset_ref"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Visibility   string `json:"visibility,omitempty"`
	DelaySeconds int64  `json:"delay_seconds,omitempty"`
}

// UpdateAssetRequest represents a partial asset update.
type UpdateAssetRequest struct {
	Title        *string `json:"title,omitempty"`
	Description  *string `json:"description,omitempty"`
	Visibility   *string `json:"visibility,omitempty"`
	DelaySeconds *int64  `json:"delay_seconds,omitempty"`
}

// AssetResponse represents an asset in API responses.
type AssetResponse struct {
	ID           string    `json:"id"`
	AssetRef     string    `json:"asset_ref"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Visibility   string    `json:"visibility"`
	DelaySeconds int64     `json:"delay_seconds"`
	HasPayload   bool      `json:"has_payload"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NomineeRequest is used for create and partial update. AssetIDs replaces
// the assignment list when present.
type NomineeRequest struct {
	Name         *string   `json:"name,omitempty"`
	Relation     *string   `json:"relation,omitempty"`
	Email        *string   `json:"email,omitempty"`
	Phone        *string   `json:"phone,omitempty"`
	DOB          *string   `json:"dob,omitempty"`
	AccessLevel  *string   `json:"access_level,omitempty"`
	SharePercent *int      `json:"share_percent,omitempty"`
	AssetIDs     *[]string `json:"asset_ids,omitempty"`
}

// NomineeResponse represents a nominee in API responses.
type NomineeResponse struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Relation     string     `json:"relation,omitempty"`
	Email        string     `json:"email,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	DOB          string     `json:"dob,omitempty"`
	AccessLevel  string     `json:"access_level"`
	SharePercent int        `json:"share_percent"`
	AssetIDs     []string   `json:"asset_ids"`
	Verified     bool       `json:"verified"`
	VerifiedAt   *time.Time `json:"verified_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IdentityCallbackRequest is posted by the identity provider once a
// nominee passes its challenge.
type IdentityCallbackRequest struct {
	NomineeID string `json:"nominee_id"`
	Status    string `json:"status"`
}

// ToAssetResponse converts an Asset model to AssetResponse DTO.
func ToAssetResponse(a *model.Asset) *AssetResponse {
	return &AssetResponse{
		ID:           a.ID,
		AssetRef:     a.Ref,
		Title:        a.Title,
		Description:  a.Description,
		Visibility:   string(a.Visibility),
		DelaySeconds: int64(a.Delay / time.Second),
		HasPayload:   a.HasObject(),
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

// ToNomineeResponse converts a Nominee model to NomineeResponse DTO.
func ToNomineeResponse(n *model.Nominee) *NomineeResponse {
	assetIDs := n.AssetIDs
	if assetIDs == nil {
		assetIDs = []string{}
	}
	var dob string
	if n.DOB != nil {
		dob = n.DOB.Format(time.DateOnly)
	}
	return &NomineeResponse{
		ID:           n.ID,
		Name:         n.Name,
		Relation:     n.Relation,
		Email:        n.Email,
		Phone:        n.Phone,
		DOB:          dob,
		AccessLevel:  string(n.AccessLevel),
		SharePercent: n.SharePercent,
		AssetIDs:     assetIDs,
		Verified:     n.IsVerified(),
		VerifiedAt:   n.VerifiedAt,
		CreatedAt:    n.CreatedAt,
		UpdatedAt:    n.UpdatedAt,
	}
}
