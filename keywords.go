package mcpool

// Wire-protocol tokens, grouped the way the original client's
// Keywords.h groups them: storage, delete, touch and incr/decr verbs
// with their trailing space pre-attached; get/gets (a space precedes
// each key), version/stats and the reply tokens bare.
var (
	kGET     = []byte("get")
	kGETS    = []byte("gets")
	kSET     = []byte("set ")
	kADD     = []byte("add ")
	kREPLACE = []byte("replace ")
	kAPPEND  = []byte("append ")
	kPREPEND = []byte("prepend ")
	kCAS     = []byte("cas ")
	kDELETE  = []byte("delete ")
	kTOUCH   = []byte("touch ")
	kINCR    = []byte("incr ")
	kDECR    = []byte("decr ")
	kVERSION = []byte("version")
	kSTATS   = []byte("stats")

	kSPACE   = []byte(" ")
	kCRLF    = []byte("\r\n")
	kNOREPLY = []byte(" noreply")

	kEND        = []byte("END")
	kSTORED     = []byte("STORED")
	kNOTSTORED  = []byte("NOT_STORED")
	kEXISTS     = []byte("EXISTS")
	kNOTFOUND   = []byte("NOT_FOUND")
	kDELETED    = []byte("DELETED")
	kTOUCHED    = []byte("TOUCHED")
	kOKLINE     = []byte("OK")
	kERROR      = []byte("ERROR")
	kCLIENTERR  = []byte("CLIENT_ERROR")
	kSERVERERR  = []byte("SERVER_ERROR")
	kVALUE      = []byte("VALUE")

	reasonPollError       = "poll error"
	reasonPollTimeout     = "poll timeout"
	reasonConnPollError   = "conn poll error"
	reasonSendError       = "send error"
	reasonRecvError       = "recv error"
	reasonProgrammingErr  = "programming error"
	reasonServerError     = "server error"
	reasonClosed          = "pool closed"
)
