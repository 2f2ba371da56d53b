package kube

import (
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// IsNotFound returns true if the err reason is "not found".
func IsNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}
