package meshnode

import "fmt"

// StatusCode is the result of a configuration message.
type StatusCode uint8

const (
	StatusSuccess StatusCode = iota
	StatusInvalidAddress
	StatusInvalidModel
	StatusInvalidAppKeyIndex
	StatusInvalidNetKeyIndex
	StatusInsufficientResources
	StatusKeyIndexAlreadyStored
	StatusInvalidPublishParameters
	StatusNotASubscribeModel
	StatusStorageFailure
	StatusFeatureNotSupported
	StatusCannotUpdate
	StatusCannotRemove
	StatusCannotBind
	StatusTemporarilyUnableToChangeState
	StatusCannotSet
	StatusUnspecifiedError
	StatusInvalidBinding
)

var statusNames = [...]string{
	StatusSuccess:                        "success",
	StatusInvalidAddress:                 "invalid address",
	StatusInvalidModel:                   "invalid model",
	StatusInvalidAppKeyIndex:             "invalid appkey index",
	StatusInvalidNetKeyIndex:             "invalid netkey index",
	StatusInsufficientResources:          "insufficient resources",
	StatusKeyIndexAlreadyStored:          "key index already stored",
	StatusInvalidPublishParameters:       "invalid publish parameters",
	StatusNotASubscribeModel:             "not a subscribe model",
	StatusStorageFailure:                 "storage failure",
	StatusFeatureNotSupported:            "feature not supported",
	StatusCannotUpdate:                   "cannot update",
	StatusCannotRemove:                   "cannot remove",
	StatusCannotBind:                     "cannot bind",
	StatusTemporarilyUnableToChangeState: "temporarily unable to change state",
	StatusCannotSet:                      "cannot set",
	StatusUnspecifiedError:               "unspecified error",
	StatusInvalidBinding:                 "invalid binding",
}

func (s StatusCode) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(0x%02x)", uint8(s))
}

// OK reports whether the operation succeeded.
func (s StatusCode) OK() bool {
	return s == StatusSuccess
}
