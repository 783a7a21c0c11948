// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract ABIs, reduced to the functions this service calls. Full ABIs
// live with the deployment repo; only the call surface is mirrored here.

const licenseWorkflowsABIJSON = `[
  {"type":"function","name":"mintAndRegisterIpAndAttachPILTerms","stateMutability":"nonpayable",
   "inputs":[
     {"name":"spgNftContract","type":"address"},
     {"name":"recipient","type":"address"},
     {"name":"ipMetadata","type":"tuple","components":[
       {"name":"ipMetadataURI","type":"string"},
       {"name":"ipMetadataHash","type":"bytes32"},
       {"name":"nftMetadataURI","type":"string"},
       {"name":"nftMetadataHash","type":"bytes32"}]},
     {"name":"licenseTermsData","type":"tuple[]","components":[
       {"name":"defaultMintingFee","type":"uint256"},
       {"name":"commercialRevShare","type":"uint32"},
       {"name":"currency","type":"address"},
       {"name":"royaltyPolicy","type":"address"}]},
     {"name":"allowDuplicates","type":"bool"}],
   "outputs":[
     {"name":"ipId","type":"address"},
     {"name":"tokenId","type":"uint256"},
     {"name":"licenseTermsIds","type":"uint256[]"}]}
]`

const derivativeWorkflowsABIJSON = `[
  {"type":"function","name":"mintAndRegisterIpAndMakeDerivative","stateMutability":"nonpayable",
   "inputs":[
     {"name":"spgNftContract","type":"address"},
     {"name":"derivData","type":"tuple","components":[
       {"name":"parentIpIds","type":"address[]"},
       {"name":"licenseTemplate","type":"address"},
       {"name":"licenseTermsIds","type":"uint256[]"},
       {"name":"royaltyContext","type":"bytes"},
       {"name":"maxMintingFee","type":"uint256"},
       {"name":"maxRts","type":"uint32"},
       {"name":"maxRevenueShare","type":"uint32"}]},
     {"name":"ipMetadata","type":"tuple","components":[
       {"name":"ipMetadataURI","type":"string"},
       {"name":"ipMetadataHash","type":"bytes32"},
       {"name":"nftMetadataURI","type":"string"},
       {"name":"nftMetadataHash","type":"bytes32"}]},
     {"name":"recipient","type":"address"},
     {"name":"allowDuplicates","type":"bool"}],
   "outputs":[
     {"name":"ipId","type":"address"},
     {"name":"tokenId","type":"uint256"}]}
]`

const ipAssetRegistryABIJSON = `[
  {"type":"function","name":"ipId","stateMutability":"view",
   "inputs":[
     {"name":"chainId","type":"uint256"},
     {"name":"tokenContract","type":"address"},
     {"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]}
]`

const licenseRegistryABIJSON = `[
  {"type":"function","name":"getAttachedLicenseTermsCount","stateMutability":"view",
   "inputs":[{"name":"ipId","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getAttachedLicenseTerms","stateMutability":"view",
   "inputs":[
     {"name":"ipId","type":"address"},
     {"name":"index","type":"uint256"}],
   "outputs":[
     {"name":"licenseTemplate","type":"address"},
     {"name":"licenseTermsId","type":"uint256"}]}
]`

const trackRegistryABIJSON = `[
  {"type":"function","name":"registerTracksBatch","stateMutability":"nonpayable",
   "inputs":[{"name":"tracks","type":"tuple[]","components":[
     {"name":"trackId","type":"bytes32"},
     {"name":"kind","type":"uint8"},
     {"name":"payload","type":"bytes32"},
     {"name":"pieceCid","type":"bytes"},
     {"name":"datasetOwner","type":"address"}]}],
   "outputs":[]},
  {"type":"function","name":"setTrackCoverBatch","stateMutability":"nonpayable",
   "inputs":[
     {"name":"trackIds","type":"bytes32[]"},
     {"name":"coverRefs","type":"bytes32[]"}],
   "outputs":[]},
  {"type":"function","name":"getTrack","stateMutability":"view",
   "inputs":[{"name":"trackId","type":"bytes32"}],
   "outputs":[
     {"name":"kind","type":"uint8"},
     {"name":"payload","type":"bytes32"},
     {"name":"registeredAt","type":"uint64"}]},
  {"type":"function","name":"isRegistered","stateMutability":"view",
   "inputs":[{"name":"trackId","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const contentRegistryABIJSON = `[
  {"type":"function","name":"registerContentFor","stateMutability":"nonpayable",
   "inputs":[
     {"name":"contentId","type":"bytes32"},
     {"name":"trackId","type":"bytes32"},
     {"name":"owner","type":"address"},
     {"name":"pieceCid","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"getContent","stateMutability":"view",
   "inputs":[{"name":"contentId","type":"bytes32"}],
   "outputs":[
     {"name":"trackId","type":"bytes32"},
     {"name":"owner","type":"address"},
     {"name":"active","type":"bool"}]}
]`

// parsedABIs holds every contract ABI parsed once at startup.
type parsedABIs struct {
	licenseWorkflows    abi.ABI
	derivativeWorkflows abi.ABI
	ipAssetRegistry     abi.ABI
	licenseRegistry     abi.ABI
	trackRegistry       abi.ABI
	contentRegistry     abi.ABI
}

func parseABIs() (*parsedABIs, error) {
	var (
		out parsedABIs
		err error
	)
	if out.licenseWorkflows, err = abi.JSON(strings.NewReader(licenseWorkflowsABIJSON)); err != nil {
		return nil, err
	}
	if out.derivativeWorkflows, err = abi.JSON(strings.NewReader(derivativeWorkflowsABIJSON)); err != nil {
		return nil, err
	}
	if out.ipAssetRegistry, err = abi.JSON(strings.NewReader(ipAssetRegistryABIJSON)); err != nil {
		return nil, err
	}
	if out.licenseRegistry, err = abi.JSON(strings.NewReader(licenseRegistryABIJSON)); err != nil {
		return nil, err
	}
	if out.trackRegistry, err = abi.JSON(strings.NewReader(trackRegistryABIJSON)); err != nil {
		return nil, err
	}
	if out.contentRegistry, err = abi.JSON(strings.NewReader(contentRegistryABIJSON)); err != nil {
		return nil, err
	}
	return &out, nil
}
