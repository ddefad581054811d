package fraud

// The categorical vocabularies are the ones the model was trained on. Their
// order defines the one-hot column order and must never change without a new
// model artifact.

// Location is a city from the training vocabulary.
type Location int

const (
	LocationUnknown Location = iota
	LocationBangalore
	LocationDelhi
	LocationKolkata
	LocationLucknow
	LocationMumbai
)

const numLocations = 5

var locationNames = [...]string{"unknown", "Bangalore", "Delhi", "Kolkata", "Lucknow", "Mumbai"}

// ParseLocation maps a city name to its vocabulary entry, or LocationUnknown.
func ParseLocation(s string) Location {
	for i := 1; i < len(locationNames); i++ {
		if locationNames[i] == s {
			return Location(i)
		}
	}
	return LocationUnknown
}

func (l Location) String() string {
	if l < 0 || int(l) >= len(locationNames) {
		return locationNames[0]
	}
	return locationNames[l]
}

// Known reports whether l is in the trained vocabulary.
func (l Location) Known() bool { return l > LocationUnknown && int(l) <= numLocations }

// Device is a device identifier from the training vocabulary.
type Device int

const (
	DeviceUnknown Device = iota
	DeviceAndroidA
	DeviceAndroidB
	DeviceIPhoneX
	DeviceIPhoneY
)

const numDevices = 4

var deviceNames = [...]string{"unknown", "Android_A", "Android_B", "iPhone_X", "iPhone_Y"}

// ParseDevice maps a device identifier to its vocabulary entry, or DeviceUnknown.
func ParseDevice(s string) Device {
	for i := 1; i < len(deviceNames); i++ {
		if deviceNames[i] == s {
			return Device(i)
		}
	}
	return DeviceUnknown
}

func (d Device) String() string {
	if d < 0 || int(d) >= len(deviceNames) {
		return deviceNames[0]
	}
	return deviceNames[d]
}

// Known reports whether d is in the trained vocabulary.
func (d Device) Known() bool { return d > DeviceUnknown && int(d) <= numDevices }

// Merchant is a UPI merchant handle from the training vocabulary.
type Merchant int

const (
	MerchantUnknown Merchant = iota
	MerchantAmazon
	MerchantFlipkart
	MerchantGPay
	MerchantPaytm
	MerchantPhonePe
)

const numMerchants = 5

var merchantNames = [...]string{"unknown", "amazon@upi", "flipkart@upi", "gpay@upi", "paytm@upi", "phonepe@upi"}

// ParseMerchant maps a merchant handle to its vocabulary entry, or MerchantUnknown.
func ParseMerchant(s string) Merchant {
	for i := 1; i < len(merchantNames); i++ {
		if merchantNames[i] == s {
			return Merchant(i)
		}
	}
	return MerchantUnknown
}

func (m Merchant) String() string {
	if m < 0 || int(m) >= len(merchantNames) {
		return merchantNames[0]
	}
	return merchantNames[m]
}

// Known reports whether m is in the trained vocabulary.
func (m Merchant) Known() bool { return m > MerchantUnknown && int(m) <= numMerchants }

// Locations returns the known locations in column order.
func Locations() []string { return append([]string(nil), locationNames[1:]...) }

// Devices returns the known devices in column order.
func Devices() []string { return append([]string(nil), deviceNames[1:]...) }

// Merchants returns the known merchants in column order.
func Merchants() []string { return append([]string(nil), merchantNames[1:]...) }
