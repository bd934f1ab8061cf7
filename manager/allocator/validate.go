package allocator

import (
	"unicode"
	"unicode/utf8"

	"github.com/labipam/labipam/api"
	"github.com/labipam/labipam/manager/allocator/errors"
)

// MaxKeyLength is the longest lab_uid or cluster name accepted.
const MaxKeyLength = 253

func validateKey(kind, value string) error {
	if value == "" {
		return errors.ErrInvalidInput("%s is required", kind)
	}
	if len(value) > MaxKeyLength {
		return errors.ErrInvalidInput("%s is longer than %d bytes", kind, MaxKeyLength)
	}
	if !utf8.ValidString(value) {
		return errors.ErrInvalidInput("%s is not valid UTF-8", kind)
	}
	for _, r := range value {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return errors.ErrInvalidInput("%s %q contains whitespace or control characters", kind, value)
		}
	}
	return nil
}

// normalizeKey validates a lab and cluster pair and returns the cluster,
// defaulted to api.DefaultCluster.
func normalizeKey(labUID, cluster string) (string, error) {
	if err := validateKey("lab_uid", labUID); err != nil {
		return "", err
	}
	if cluster == "" {
		cluster = api.DefaultCluster
	}
	if err := validateKey("cluster", cluster); err != nil {
		return "", err
	}
	return cluster, nil
}
