package models

import "errors"

// UserKeySeparator joins the user name and timestamp in a UserKey.
const UserKeySeparator = "_"

// DeriveKey computes the namespacing key for a profile's persisted records.
//
// The key is userName + "_" + timestamp with no escaping; a name containing the
// separator yields an ambiguous but stable key.
func DeriveKey(p UserProfile) (string, error) {
	if p.UserName == "" {
		return "", errors.Join(ErrInvalidProfile, ErrEmptyUserName)
	}
	if p.Timestamp == "" {
		return "", errors.Join(ErrInvalidProfile, ErrEmptyTimestamp)
	}
	return p.UserName + UserKeySeparator + p.Timestamp, nil
}
