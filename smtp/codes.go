package smtp

// Reply codes.
var (
	C220ServiceReady = 220
	C221Closing      = 221

	C250Completed = 250

	C354Continue = 354

	C421ServiceUnavail = 421
	C450MailboxUnavail = 450
	C451LocalErr       = 451
	C452StorageFull    = 452 // Also for "too many recipients".

	C500BadSyntax      = 500
	C501BadParamSyntax = 501
	C502CmdNotImpl     = 502
	C503BadCmdSeq      = 503
	C504ParamNotImpl   = 504
	C550MailboxUnavail = 550
	C552MailboxFull    = 552
	C553BadMailbox     = 553

	C554TransactionFailed = 554
)
