package backend

import (
	"errors"
	"fmt"
)

// Status is the integer result code of an imaging backend call.
// Zero is success; every negative value names a specific failure.
type Status int

const (
	StatusOK Status = 0

	StatusUselessHandle            Status = -1
	StatusReadDataFailed           Status = -2
	StatusOpenParameterError       Status = -3
	StatusOpenFailed               Status = -4
	StatusCloseFailed              Status = -5
	StatusNoTiffFormat             Status = -6
	StatusBlockSizeEmpty           Status = -7
	StatusIFDNotFound              Status = -8
	StatusBlockOutOfRange          Status = -9
	StatusNoIFD                    Status = -10
	StatusFirstIFDIncomplete       Status = -11
	StatusBlockOffsetOutOfRange    Status = -12
	StatusTagNotFound              Status = -13
	StatusBadParameterValue        Status = -14
	StatusIFDAlreadyExists         Status = -15
	StatusIFDOutOfDirectory        Status = -16
	StatusIFDFull                  Status = -17
	StatusUnsupportedBitsPerSample Status = -18
	StatusPreviousIFDNotClosed     Status = -19
	StatusTagTypeIncorrect         Status = -20
	StatusTagSizeIncorrect         Status = -21
	StatusSeekFailed               Status = -22
	StatusAllocFailed              Status = -23
	StatusWrongOpenMode            Status = -24
	StatusAppendTagNotAllowed      Status = -25
	StatusDuplicateWrite           Status = -26
	StatusBigEndianNotSupported    Status = -27

	StatusFilePathError            Status = -101
	StatusHandleNotExist           Status = -102
	StatusPlateIDExists            Status = -103
	StatusBufferSizeError          Status = -104
	StatusBufferIsNull             Status = -105
	StatusPlateNotExist            Status = -106
	StatusScanNotExist             Status = -107
	StatusModifyNotAllowed         Status = -108
	StatusReadOMEXMLFailed         Status = -109
	StatusDecompressJPEGFailed     Status = -110
	StatusSaveBlockFailed          Status = -111
	StatusScanIDExists             Status = -112
	StatusGetOMEXMLFailed          Status = -113
	StatusRowOutOfRange            Status = -114
	StatusColumnOutOfRange         Status = -115
	StatusStrideNotCorrect         Status = -116
	StatusDataTypeNotSupported     Status = -117
	StatusCompressTypeNotSupported Status = -118
	StatusCompressLZWFailed        Status = -119
	StatusDecompressLZWFailed      Status = -120
	StatusDecompressLZ4Failed      Status = -121
	StatusDecompressZlibFailed     Status = -122
	StatusTagConditionNotMet       Status = -123
	StatusP2DShiftFailed           Status = -124
	StatusP2DResizeFailed          Status = -125
	StatusChannelIDExists          Status = -126
	StatusXMLParseFailed           Status = -127
	StatusOnlyOnePlate             Status = -128
	StatusWellNotExist             Status = -129
	StatusWellSampleNotExist       Status = -130
	StatusLZWHorizontalDiff        Status = -131
	StatusNoChannels               Status = -132
	StatusCannotFindImage          Status = -133
	StatusNoWellSampleForRegion    Status = -134
	StatusNoTiffDataForZTC         Status = -135
	StatusTiffDataRepeated         Status = -136
	StatusWellIDExists             Status = -137
	StatusRegionIDExists           Status = -138
	StatusNoImageRefInWellSample   Status = -139
	StatusPlateIDNotMatched        Status = -140
	StatusAcquisitionIDExists      Status = -141
	StatusImageIDExists            Status = -142
	StatusNoPixelsInImage          Status = -143
	StatusSignificantBits          Status = -144
	StatusJPEGOnly8Bits            Status = -145
	StatusResizeNotSupported       Status = -146
	StatusBlockSizeNotMatched      Status = -147
	StatusTiffDataNoUUID           Status = -148
	StatusWellSampleRefEmpty       Status = -149
	StatusTiffDataCannotPredict    Status = -150
	StatusWellSampleIDExists       Status = -151
	StatusParameterInvalid         Status = -152
	StatusScanfAssignedError       Status = -153
	StatusChannelNotExist          Status = -154
	StatusRegionNotExist           Status = -155
	StatusAcquisitionNotExist      Status = -156
	StatusHorizontalAccFailed      Status = -157
	StatusOMEXMLSizeZero           Status = -158
)

var statusText = map[Status]string{
	StatusOK:                       "ok",
	StatusUselessHandle:            "useless handle",
	StatusReadDataFailed:           "read data from file failed",
	StatusOpenParameterError:       "open file parameter error",
	StatusOpenFailed:               "open file failed",
	StatusCloseFailed:              "close file failed",
	StatusNoTiffFormat:             "not a tiff file",
	StatusBlockSizeEmpty:           "block size in IFD is empty",
	StatusIFDNotFound:              "required IFD not found",
	StatusBlockOutOfRange:          "block out of range",
	StatusNoIFD:                    "no IFD found",
	StatusFirstIFDIncomplete:       "first IFD incomplete",
	StatusBlockOffsetOutOfRange:    "block offset out of range",
	StatusTagNotFound:              "tag not found",
	StatusBadParameterValue:        "bad parameter value",
	StatusIFDAlreadyExists:         "IFD already exists",
	StatusIFDOutOfDirectory:        "IFD out of directory",
	StatusIFDFull:                  "IFD full",
	StatusUnsupportedBitsPerSample: "unsupported bits per sample",
	StatusPreviousIFDNotClosed:     "previous IFD not closed",
	StatusTagTypeIncorrect:         "tag type incorrect",
	StatusTagSizeIncorrect:         "tag size incorrect",
	StatusSeekFailed:               "seek failed",
	StatusAllocFailed:              "memory allocation failed",
	StatusWrongOpenMode:            "wrong open mode",
	StatusAppendTagNotAllowed:      "append tag not allowed",
	StatusDuplicateWrite:           "duplicate write not allowed",
	StatusBigEndianNotSupported:    "big endian not supported",
	StatusFilePathError:            "file path error",
	StatusHandleNotExist:           "handle does not exist",
	StatusPlateIDExists:            "plate id exists",
	StatusBufferSizeError:          "buffer size error",
	StatusBufferIsNull:             "buffer is null",
	StatusPlateNotExist:            "plate does not exist",
	StatusScanNotExist:             "scan does not exist",
	StatusModifyNotAllowed:         "modify not allowed",
	StatusReadOMEXMLFailed:         "read OME-XML failed",
	StatusDecompressJPEGFailed:     "jpeg decompression failed",
	StatusSaveBlockFailed:          "save block failed",
	StatusScanIDExists:             "scan id exists",
	StatusGetOMEXMLFailed:          "get OME-XML failed",
	StatusRowOutOfRange:            "row out of range",
	StatusColumnOutOfRange:         "column out of range",
	StatusStrideNotCorrect:         "stride not correct",
	StatusDataTypeNotSupported:     "data type not supported",
	StatusCompressTypeNotSupported: "compression type not supported",
	StatusCompressLZWFailed:        "lzw compression failed",
	StatusDecompressLZWFailed:      "lzw decompression failed",
	StatusDecompressLZ4Failed:      "lz4 decompression failed",
	StatusDecompressZlibFailed:     "zlib decompression failed",
	StatusTagConditionNotMet:       "tag condition not met",
	StatusP2DShiftFailed:           "p2d shift failed",
	StatusP2DResizeFailed:          "p2d resize failed",
	StatusChannelIDExists:          "channel id exists",
	StatusXMLParseFailed:           "xml parse failed",
	StatusOnlyOnePlate:             "only one plate supported",
	StatusWellNotExist:             "well does not exist",
	StatusWellSampleNotExist:       "well sample does not exist",
	StatusLZWHorizontalDiff:        "lzw horizontal differencing failed",
	StatusNoChannels:               "no channels",
	StatusCannotFindImage:          "cannot find image",
	StatusNoWellSampleForRegion:    "no well sample matches region id",
	StatusNoTiffDataForZTC:         "no tiff data for z/t/c",
	StatusTiffDataRepeated:         "tiff data added twice",
	StatusWellIDExists:             "well id exists",
	StatusRegionIDExists:           "scan region id exists",
	StatusNoImageRefInWellSample:   "no image ref in well sample",
	StatusPlateIDNotMatched:        "plate id not matched",
	StatusAcquisitionIDExists:      "plate acquisition id exists",
	StatusImageIDExists:            "image id exists",
	StatusNoPixelsInImage:          "no pixels in image",
	StatusSignificantBits:          "invalid significant bits",
	StatusJPEGOnly8Bits:            "jpeg supports 8 bits only",
	StatusResizeNotSupported:       "resize not supported",
	StatusBlockSizeNotMatched:      "block size not matched",
	StatusTiffDataNoUUID:           "tiff data has no uuid",
	StatusWellSampleRefEmpty:       "well sample ref id empty",
	StatusTiffDataCannotPredict:    "tiff data cannot predict",
	StatusWellSampleIDExists:       "well sample id exists",
	StatusParameterInvalid:         "parameter invalid",
	StatusScanfAssignedError:       "scanf assignment error",
	StatusChannelNotExist:          "channel does not exist",
	StatusRegionNotExist:           "region does not exist",
	StatusAcquisitionNotExist:      "plate acquisition does not exist",
	StatusHorizontalAccFailed:      "horizontal accumulation failed",
	StatusOMEXMLSizeZero:           "OME-XML size is zero",
}

// Error implements error.
func (s Status) Error() string {
	if text, ok := statusText[s]; ok {
		return fmt.Sprintf("backend status %d: %s", int(s), text)
	}
	return fmt.Sprintf("backend status %d", int(s))
}

// OK reports whether s is StatusOK.
func (s Status) OK() bool {
	return s == StatusOK
}

// Err returns nil for StatusOK and s otherwise.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	return s
}

// StatusOf extracts the backend status carried by err.
// Errors that do not wrap a Status map to StatusReadDataFailed.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusReadDataFailed
}

// IsHandleError reports whether err means the document handle is gone.
// Loads stop issuing reads once they see one.
func IsHandleError(err error) bool {
	switch StatusOf(err) {
	case StatusUselessHandle, StatusHandleNotExist:
		return true
	}
	return false
}
