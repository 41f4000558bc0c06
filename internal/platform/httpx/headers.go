package httpx

// DeviceIDHeader identifies the device session a storefront request belongs to.
const DeviceIDHeader = "X-Device-ID"
