package exam

// Messages returned to patients and front-desk staff.
const (
	MsgBookingCreated    = "Đặt lịch khám thành công"
	MsgBookingConfirmed  = "Đặt lịch khám thành công, đã đăng ký với HIS"
	MsgInvalidQR         = "Mã QR không hợp lệ"
	MsgBookingNotFound   = "Không tìm thấy lịch khám"
	MsgTooEarly          = "Chưa đến giờ khám, vui lòng quay lại đúng giờ hẹn"
	MsgLateCancelled     = "Lịch khám đã bị hủy do đến trễ quá 15 phút"
	MsgLateAccepted      = "Đã quá giờ check-in, lịch khám đã được xác nhận trước đó"
	MsgBookingRejected   = "Lịch khám đã bị hủy"
	MsgCheckInSuccess    = "Check-in thành công"
	MsgAlreadyCheckedIn  = "Lịch khám đã được xác nhận"
	MsgSyncIncomplete    = "Chưa đồng bộ được với HIS, số thứ tự sẽ được cập nhật sau"
	MsgSlotUnavailable   = "Khung giờ %s đã hết chỗ hoặc không tồn tại"
	MsgNoSlotInDay       = "Không còn khung giờ trống trong ngày"
	MsgExistingBooking   = "Thẻ BHYT đã có lịch khám chưa hoàn tất"
	MsgValidationFailure = "Thông tin đăng ký không hợp lệ"
)
