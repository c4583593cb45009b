package sip

// Status codes defined by RFC 3261 and the RFCs this module layers on top of
// it (RFC 3515 REFER, RFC 3903 PUBLISH, RFC 5626 Outbound, RFC 6665
// SUBSCRIBE/NOTIFY).
const (
	StatusTrying               = 100
	StatusRinging              = 180
	StatusCallIsBeingForwarded = 181
	StatusQueued               = 182
	StatusSessionProgress      = 183

	StatusOK       = 200
	StatusAccepted = 202

	StatusMultipleChoices  = 300
	StatusMovedPermanently = 301
	StatusMovedTemporarily = 302
	StatusUseProxy         = 305

	StatusBadRequest                  = 400
	StatusUnauthorized                = 401
	StatusPaymentRequired             = 402
	StatusForbidden                   = 403
	StatusNotFound                    = 404
	StatusMethodNotAllowed            = 405
	StatusNotAcceptable               = 406
	StatusProxyAuthRequired           = 407
	StatusRequestTimeout              = 408
	StatusGone                        = 410
	StatusConditionalRequestFailed    = 412
	StatusRequestEntityTooLarge       = 413
	StatusRequestURITooLong           = 414
	StatusUnsupportedMediaType        = 415
	StatusUnsupportedURIScheme        = 416
	StatusBadExtension                = 420
	StatusExtensionRequired           = 421
	StatusSessionIntervalTooSmall     = 422
	StatusIntervalTooBrief            = 423
	StatusBadLocationInformation      = 424
	StatusUseIdentityHeader           = 428
	StatusFlowFailed                  = 430
	StatusAnonymityDisallowed         = 433
	StatusBadIdentityInfo             = 436
	StatusUnsupportedCertificate      = 437
	StatusInvalidIdentityHeader       = 438
	StatusFirstHopLacksOutbound       = 439
	StatusMaxBreadthExceeded          = 440
	StatusConsentNeeded               = 470
	StatusTemporarilyUnavailable      = 480
	StatusCallTransactionDoesNotExist = 481
	StatusLoopDetected                = 482
	StatusTooManyHops                 = 483
	StatusAddressIncomplete           = 484
	StatusAmbiguous                   = 485
	StatusBusyHere                    = 486
	StatusRequestTerminated           = 487
	StatusNotAcceptableHere           = 488
	StatusBadEvent                    = 489
	StatusRequestPending              = 491
	StatusUndecipherable              = 493
	StatusSecurityAgreementRequired   = 494

	StatusInternalServerError = 500
	StatusNotImplemented      = 501
	StatusBadGateway          = 502
	StatusServiceUnavailable  = 503
	StatusServerTimeout       = 504
	StatusVersionNotSupported = 505
	StatusMessageTooLarge     = 513
	StatusPreconditionFailure = 580

	StatusBusyEverywhere       = 600
	StatusDecline              = 603
	StatusDoesNotExistAnywhere = 604
	StatusGlobalNotAcceptable  = 606
)

// ReasonOf returns the default reason phrase for each code its switch
// lists, or "" for any other code (including some of the constants above).
func ReasonOf(code int) string {
	switch code {
	case StatusTrying:
		return "Trying"
	case StatusRinging:
		return "Ringing"
	case StatusSessionProgress:
		return "Session Progress"
	case StatusOK:
		return "OK"
	case StatusAccepted:
		return "Accepted"
	case StatusMovedTemporarily:
		return "Moved Temporarily"
	case StatusBadRequest:
		return "Bad Request"
	case StatusUnauthorized:
		return "Unauthorized"
	case StatusForbidden:
		return "Forbidden"
	case StatusNotFound:
		return "Not Found"
	case StatusRequestTimeout:
		return "Request Timeout"
	case StatusProxyAuthRequired:
		return "Proxy Authentication Required"
	case StatusFlowFailed:
		return "Flow Failed"
	case StatusFirstHopLacksOutbound:
		return "First Hop Lacks Outbound Support"
	case StatusTemporarilyUnavailable:
		return "Temporarily Unavailable"
	case StatusCallTransactionDoesNotExist:
		return "Call/Transaction Does Not Exist"
	case StatusLoopDetected:
		return "Loop Detected"
	case StatusTooManyHops:
		return "Too Many Hops"
	case StatusBusyHere:
		return "Busy Here"
	case StatusRequestTerminated:
		return "Request Terminated"
	case StatusServerTimeout:
		return "Server Time-out"
	case StatusInternalServerError:
		return "Internal Server Error"
	case StatusNotImplemented:
		return "Not Implemented"
	case StatusServiceUnavailable:
		return "Service Unavailable"
	case StatusDecline:
		return "Decline"
	}
	return ""
}
